// Package state caches the latest sensor readings and device states reported
// on the structured topic grammar and persists them in the background.
//
// Topics have the shape
//
//	[namespace/]room/category/controller/device/item
//
// where category is "sensors" or "status". Anything else is ignored. The
// namespace segment is only stripped when the topic has at least five
// segments.
//
// Sensor payloads yield one reading per numeric field. Readings are kept in a
// ring buffer per device key and sensor name, newest first. Status payloads
// replace the device's cached state wholesale.
//
// Persistence (SQLite rows, InfluxDB and VictoriaMetrics points) runs on a
// bounded worker queue. When the queue is full the write is dropped so MQTT
// delivery never waits on storage.
package state
