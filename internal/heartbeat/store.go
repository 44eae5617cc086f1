package heartbeat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/device-monitor/internal/device"
	"github.com/nerrad567/device-monitor/internal/infrastructure/database"
)

// Controller status values written by heartbeats.
const (
	controllerActive  = "active"
	controllerOffline = "offline"
)

// SQLiteStore writes heartbeat batches.
type SQLiteStore struct {
	db     *database.DB
	now    func() time.Time
	logger Logger
}

// NewSQLiteStore creates a heartbeat store backed by db.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now, logger: noopLogger{}}
}

// SetLogger sets the logger for per-row skips.
func (s *SQLiteStore) SetLogger(logger Logger) {
	s.logger = logger
}

// WriteHeartbeats updates the controller row of every record that carries a
// unique id, and records one history row per controller that has devices.
// Records without a unique id are skipped. It returns how many controllers
// were updated.
func (s *SQLiteStore) WriteHeartbeats(ctx context.Context, records []device.Record) (int, error) {
	updated := 0
	ts := s.now().UTC().Format(time.RFC3339)

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		updated = 0
		for i := range records {
			rec := &records[i]
			controllerID := controllerID(rec)
			if controllerID == "" {
				continue
			}

			n, err := updateController(ctx, tx, controllerID, rec, ts)
			if err != nil {
				return err
			}
			updated += n

			if err := insertHeartbeat(ctx, tx, controllerID, rec); err != nil {
				if database.IsForeignKeyViolation(err) {
					s.logger.Debug("skipping heartbeat row for unknown device",
						"controller_id", controllerID,
					)
					continue
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("writing heartbeat batch: %w", err)
	}
	return updated, nil
}

func updateController(ctx context.Context, tx *sql.Tx, controllerID string, rec *device.Record, ts string) (int, error) {
	status := controllerOffline
	if rec.Status == device.StatusOnline {
		status = controllerActive
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE controllers
		 SET last_heartbeat = ?,
		     status = ?,
		     firmware_version = COALESCE(?, firmware_version),
		     uptime_seconds = ?,
		     updated_at = ?
		 WHERE lower(controller_id) = lower(?)`,
		rec.LastSeen.UTC().Format(time.RFC3339Nano),
		status,
		nullString(rec.FirmwareVersion),
		uptimeSeconds(rec),
		ts,
		controllerID,
	)
	if err != nil {
		return 0, fmt.Errorf("updating controller %s: %w", controllerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

func insertHeartbeat(ctx context.Context, tx *sql.Tx, controllerID string, rec *device.Record) error {
	var deviceDBID string
	err := tx.QueryRowContext(ctx,
		`SELECT d.id FROM devices d
		 JOIN controllers c ON d.controller_id = c.id
		 WHERE lower(c.controller_id) = lower(?)
		 ORDER BY d.device_id
		 LIMIT 1`,
		controllerID,
	).Scan(&deviceDBID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding heartbeat device: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"status":      rec.Status,
		"healthScore": rec.HealthScore,
		"errorCount":  rec.ErrorCount,
		"metadata":    rec.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshalling heartbeat payload: %w", err)
	}

	topic := "unknown"
	if len(rec.RawTopics) > 0 {
		topic = rec.RawTopics[0]
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_heartbeats (
		    device_id, mqtt_topic, payload, online, firmware_version, uptime_seconds, received_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		deviceDBID,
		topic,
		string(payload),
		rec.Status == device.StatusOnline,
		nullString(rec.FirmwareVersion),
		uptimeSeconds(rec),
		rec.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting heartbeat: %w", err)
	}
	return nil
}

// controllerID is the unique id the record reported, falling back to the
// one kept in its metadata.
func controllerID(rec *device.Record) string {
	if rec.UniqueID != "" {
		return rec.UniqueID
	}
	return device.PickString(rec.Metadata, "uniqueId")
}

func uptimeSeconds(rec *device.Record) any {
	for _, key := range []string{"uptime_seconds", "uptime"} {
		if v, ok := rec.Metadata[key].(float64); ok && v > 0 {
			return int64(v)
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
