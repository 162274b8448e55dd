package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementReadings     = "pool_readings"
	MeasurementAvailability = "device_availability"

	tagDeviceID = "device_id"
)

// WriteReadings records one snapshot's numeric readings. fields maps reading
// keys to float64, string or bool values; an empty map writes nothing since
// InfluxDB rejects points without fields.
//
// Example:
//
//	client.WriteReadings("pool-main", map[string]any{"water_temp": 27.5}, snap.UpdatedAt())
func (c *Client) WriteReadings(deviceID string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		MeasurementReadings,
		map[string]string{tagDeviceID: deviceID},
		fields,
		ts,
	)
	c.writeAPI.WritePoint(point)
}

// WriteAvailability records an availability flip of the device.
func (c *Client) WriteAvailability(deviceID string, available bool, failures int, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		MeasurementAvailability,
		map[string]string{tagDeviceID: deviceID},
		map[string]any{
			"available":            available,
			"consecutive_failures": failures,
		},
		ts,
	)
	c.writeAPI.WritePoint(point)
}
