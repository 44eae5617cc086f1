// Package config loads the monitor's YAML configuration.
//
// Load starts from built-in defaults, overlays the file, then applies
// DEVICE_MONITOR_* environment overrides and validates the result. Keep
// credentials (MQTT password, InfluxDB token, JWT secret) in the
// environment, not in the file.
//
// Timing knobs are stored as integer milliseconds or seconds and exposed
// as time.Duration through accessors such as HeartbeatTimeout and
// SweepInterval.
package config
