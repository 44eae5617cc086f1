// Package tsdb writes device telemetry to VictoriaMetrics using InfluxDB
// line protocol over HTTP and reads it back with PromQL.
//
// Two series are written:
//   - sensor_readings: one point per numeric sensor field, tagged by
//     device_id, sensor and field
//   - device_heartbeats: online flag and health score per device
//
// # Usage
//
//	client, err := tsdb.Connect(ctx, cfg.TSDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSensorReading("d-4", "lux", "value", 412, time.Now())
//	raw, err := client.SensorHistory(ctx, "d-4", "lux", start, end, time.Minute)
//
// Points are built and encoded by the influxdb package so both backends
// carry identical series. Writes are non-blocking: lines are buffered up to
// ten batches and flushed on the configured size threshold or interval. A
// failed batch is dropped, reported to the SetOnError callback and counted
// in Stats.
package tsdb
