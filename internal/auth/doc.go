// Package auth verifies bearer tokens for the pool bridge API.
//
// Tokens are HS256 JWTs signed with the shared security.jwt.secret and
// issued by Gray Logic Core. The bridge holds no user store: identity and
// role come from the token claims and are mapped to permissions statically.
package auth
