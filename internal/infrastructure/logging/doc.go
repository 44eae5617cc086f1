// Package logging configures log/slog for the device monitor.
//
// Every entry carries service and version fields, subsystems add a
// component field via Logger.Component, and attributes whose key names a
// credential are redacted before they reach the handler.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
package logging
