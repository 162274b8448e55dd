// Package migrations embeds the SQLite schema for the pool bridge.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files. Pass "." as the directory
// to database.Migrate.
//
//go:embed *.sql
var FS embed.FS
