package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/device-monitor/internal/infrastructure/database"
)

// SQLiteStore resolves topic identities against the registered devices and
// persists readings and states.
type SQLiteStore struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed state store.
//
// Parameters:
//   - db: Open database with migrations applied
//
// Returns:
//   - *SQLiteStore: Store ready for use
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Match ranks used by LookupDevice. Sensor lookups only accept ranks below
// rankAnyDevice; status lookups fall back to any device on the controller.
const (
	rankExactDevice = iota
	rankSensorName
	rankSensorType
	rankInputSensor
	rankAnyDevice
)

// LookupDevice finds the registered device a topic refers to.
//
// The controller is matched on its registered controller_id, either as
// published or in the "room-controller" form with underscores replaced by
// dashes. Within the controller, an exact device_id match wins, then a
// device_id containing the snake-cased sensor name, then sensor-type devices.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - ref: Topic identity, with Sensor set for sensor topics
//
// Returns:
//   - Resolution: The matched device
//   - bool: false when no device matched
//   - error: nil on success, otherwise the underlying query error
func (s *SQLiteStore) LookupDevice(ctx context.Context, ref DeviceRef) (Resolution, bool, error) {
	controller := strings.ToLower(ref.Controller)
	prefixed := strings.ToLower(ref.Room) + "-" + strings.ReplaceAll(controller, "_", "-")

	sensorPattern := ""
	limitRank := rankAnyDevice + 1
	if ref.Sensor != "" {
		sensorPattern = "%" + snakeCase(ref.Sensor) + "%"
		limitRank = rankAnyDevice
	}

	var res Resolution
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id FROM (
		    SELECT d.id, d.device_id,
		           CASE
		               WHEN lower(d.device_id) = ? THEN ?
		               WHEN ? <> '' AND lower(d.device_id) LIKE ? THEN ?
		               WHEN d.device_type IN ('sensor', 'photoresistor', 'potentiometer', 'gauge') THEN ?
		               WHEN d.device_category = 'input' AND d.device_type = 'sensor' THEN ?
		               ELSE ?
		           END AS match_rank
		    FROM devices d
		    JOIN controllers c ON d.controller_id = c.id
		    WHERE lower(c.controller_id) IN (?, ?)
		 )
		 WHERE match_rank < ?
		 ORDER BY match_rank, device_id
		 LIMIT 1`,
		strings.ToLower(ref.Device), rankExactDevice,
		sensorPattern, sensorPattern, rankSensorName,
		rankSensorType,
		rankInputSensor,
		rankAnyDevice,
		controller, prefixed,
		limitRank,
	).Scan(&res.DBID, &res.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, fmt.Errorf("looking up device: %w", err)
	}
	return res, true, nil
}

// WriteSensorReading inserts a reading into device_sensor_data.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - r: Reading with a resolved DBID
//
// Returns:
//   - error: ErrUnresolvedDevice when the reading has no device row,
//     otherwise the underlying database error
func (s *SQLiteStore) WriteSensorReading(ctx context.Context, r SensorReading) error {
	if r.DBID == "" {
		return ErrUnresolvedDevice
	}

	value, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("marshalling sensor value: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO device_sensor_data (device_id, sensor_name, value, received_at) VALUES (?, ?, ?, ?)",
		r.DBID,
		sampleName(r),
		string(value),
		r.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting sensor data: %w", err)
	}
	return nil
}

// WriteDeviceState stores the latest state snapshot on the device row.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - st: State with a resolved DBID
//
// Returns:
//   - error: ErrUnresolvedDevice when the state has no device row,
//     otherwise the underlying database error
func (s *SQLiteStore) WriteDeviceState(ctx context.Context, st DeviceState) error {
	if st.DBID == "" {
		return ErrUnresolvedDevice
	}

	stateJSON, err := json.Marshal(st.State)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE devices SET state = ?, updated_at = ? WHERE id = ?",
		string(stateJSON),
		s.now().UTC().Format(time.RFC3339),
		st.DBID,
	)
	if err != nil {
		return fmt.Errorf("updating device state: %w", err)
	}
	return nil
}

// sampleName is the persisted sensor name. Multi-field payloads store one
// row per field as "sensor.field".
func sampleName(r SensorReading) string {
	if r.Field == "" || strings.EqualFold(r.Field, r.SensorName) {
		return r.SensorName
	}
	return r.SensorName + "." + r.Field
}
