package influxdb

import (
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names shared by every line-protocol backend.
const (
	MeasurementSensor    = "sensor_readings"
	MeasurementHeartbeat = "device_heartbeats"
)

// tagSanitizer strips line breaks, which would otherwise split a point in
// two once encoded.
var tagSanitizer = strings.NewReplacer("\n", "", "\r", "")

// SensorPoint builds the point for one numeric sensor field. Tags are
// device_id, sensor and field; the single field is value.
func SensorPoint(deviceID, sensor, field string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSensor,
		map[string]string{
			"device_id": tagSanitizer.Replace(deviceID),
			"sensor":    tagSanitizer.Replace(sensor),
			"field":     tagSanitizer.Replace(field),
		},
		map[string]interface{}{"value": value},
		ts,
	)
}

// HeartbeatPoint builds a liveness sample. room_id is tagged only when
// known.
func HeartbeatPoint(deviceID, roomID string, online bool, healthScore int, ts time.Time) *write.Point {
	tags := map[string]string{"device_id": tagSanitizer.Replace(deviceID)}
	if roomID != "" {
		tags["room_id"] = tagSanitizer.Replace(roomID)
	}
	return write.NewPoint(
		MeasurementHeartbeat,
		tags,
		map[string]interface{}{
			"online":       online,
			"health_score": healthScore,
		},
		ts,
	)
}

// Line encodes p as a single line of line protocol with a nanosecond
// timestamp and no trailing newline.
func Line(p *write.Point) string {
	return strings.TrimRight(write.PointToLineProtocol(p, time.Nanosecond), "\n")
}

// WriteSensorReading queues one numeric sensor sample.
//
// Parameters:
//   - deviceID: Resolved device id, or the topic device key when unresolved
//   - sensor: Sensor name from the topic (e.g., "valve_psi")
//   - field: Payload field the value came from
//   - value: The numeric sample
//   - ts: When the message was received
func (c *Client) WriteSensorReading(deviceID, sensor, field string, value float64, ts time.Time) {
	c.writePoint(SensorPoint(deviceID, sensor, field, value, ts))
}

// WriteHeartbeat queues a device's liveness and health score.
func (c *Client) WriteHeartbeat(deviceID, roomID string, online bool, healthScore int, ts time.Time) {
	c.writePoint(HeartbeatPoint(deviceID, roomID, online, healthScore, ts))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.points.Add(1)
	c.writeAPI.WritePoint(p)
}
