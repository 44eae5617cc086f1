package tsdb

import (
	"time"

	"github.com/nerrad567/device-monitor/internal/infrastructure/influxdb"
)

// WriteSensorReading buffers one numeric sensor field. VictoriaMetrics
// stores it as the series sensor_readings_value.
//
// Parameters:
//   - deviceID: Stable device identifier (database device id or device key)
//   - sensor: Sensor name taken from the topic (e.g., "lux")
//   - field: Payload field the value came from (e.g., "value", "x")
//   - value: The numeric reading
//   - ts: Receive time of the MQTT message
func (c *Client) WriteSensorReading(deviceID, sensor, field string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.addLine(influxdb.Line(influxdb.SensorPoint(deviceID, sensor, field, value, ts)))
}

// WriteHeartbeat buffers a liveness sample for a device.
func (c *Client) WriteHeartbeat(deviceID, roomID string, online bool, healthScore int, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.addLine(influxdb.Line(influxdb.HeartbeatPoint(deviceID, roomID, online, healthScore, ts)))
}
