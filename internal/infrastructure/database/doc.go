// Package database is the monitor's SQLite layer (mattn/go-sqlite3).
//
// It persists what must survive a restart: controllers, devices and their
// commands from registration, state and sensor rows, heartbeat history and
// the operator audit trail. Open configures WAL, a busy timeout and foreign
// keys; Migrate applies the embedded schema from the migrations package,
// recording versions in schema_migrations. Files are named
// YYYYMMDD_HHMMSS_description.up.sql with an optional .down.sql.
package database
