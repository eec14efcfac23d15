package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePurifierMetric records one purifier telemetry sample.
//
// This is the primary method on the MQTT telemetry path. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Purifier identifier (e.g., "purifier-bedroom")
//   - speed: Reported fan speed, 0-5
//   - powerOn: Reported power state
func (c *Client) WritePurifierMetric(deviceID string, speed int, powerOn bool) {
	if !c.IsConnected() {
		return
	}

	power := 0
	if powerOn {
		power = 1
	}

	point := write.NewPoint(
		"purifier_state",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"speed":    speed,
			"power_on": power,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandOutcome records a dispatched command's terminal result.
//
// Used for tracking delivery reliability per device: retries before an
// ack, timeouts, and broker failures all show up here.
//
// Parameters:
//   - deviceID: Purifier identifier
//   - source: Command origin ("manual", "schedule", "override", "restore")
//   - status: Terminal status ("acknowledged", "timeout", "failed")
//   - attempts: Publish attempts consumed
func (c *Client) WriteCommandOutcome(deviceID, source, status string, attempts int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_outcome",
		map[string]string{
			"device_id": deviceID,
			"source":    source,
			"status":    status,
		},
		map[string]interface{}{
			"attempts": attempts,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
