// Package influxdb records pool telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written, both tagged with device_id:
//
//   - pool_readings: the numeric readings of every applied snapshot
//   - device_availability: each availability flip with the failure streak
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
// *Client satisfies the bridge's TelemetryWriter interface.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; batch errors are
// delivered to the SetOnError callback.
package influxdb
