// Package influxdb writes sensor readings and device heartbeats to
// InfluxDB 2.x through the official influxdb-client-go library.
//
// Two measurements are written:
//   - sensor_readings: one point per numeric sensor field, tagged by
//     device_id, sensor and field
//   - device_heartbeats: online flag and health score per device update
//
// The point builders (SensorPoint, HeartbeatPoint, Line) are exported so
// other line-protocol backends encode exactly the same series.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSensorReading("clockwork/pilot/lux", "lux", "value", 127, time.Now())
//
// Writes are non-blocking. Batch failures are delivered to the SetOnError
// callback and counted in Stats.
package influxdb
