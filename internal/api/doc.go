// Package api implements the HTTP API and the realtime WebSocket broadcaster
// for the device monitor.
//
// This package provides:
//   - REST endpoints for the device registry, sensor readings and alerts
//   - Device commands published to controllers over MQTT
//   - A WebSocket hub pushing registry, sensor, state and alert events
//   - Bearer-token authorisation on mutating routes
//   - Middleware stack (request ID, logging, recovery, CORS, metrics)
//
// # Realtime protocol
//
// Every message is a JSON envelope {"type": ..., "data": ...}. A new
// connection receives one "initial" message carrying the full device list,
// then one "state-update" per cached device state, before it joins the
// broadcast set. After that:
//
//   - "device-updated" is throttled per device (default 500ms); updates
//     inside the window are dropped, not queued
//   - "device-online", "device-offline", "sensor-data", "state-update",
//     "alert-raised" and "alert-acknowledged" are forwarded immediately
//
// Each client has its own bounded send queue. A full queue drops the message
// for that client only.
//
// # Graceful Degradation
//
// The server operates without MQTT. Reads and WebSocket connections work;
// only device commands fail.
package api
