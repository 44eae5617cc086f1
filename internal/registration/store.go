package registration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/device-monitor/internal/infrastructure/database"
)

// Controller defaults applied when a registration omits a field.
const (
	defaultHardwareType      = "Teensy 4.1"
	defaultMCUModel          = "ARM Cortex-M7"
	defaultClockSpeedMHz     = 600
	defaultDigitalPins       = 55
	defaultAnalogPins        = 18
	defaultHeartbeatInterval = 5000
	defaultControllerType    = "microcontroller"
	defaultNamespace         = "paragon"
	defaultDeviceCategory    = "puzzle"
	statusActive             = "active"
)

// SQLiteStore persists registrations to the controllers, devices and
// device_commands tables.
type SQLiteStore struct {
	db     *database.DB
	now    func() time.Time
	logger Logger
}

// NewSQLiteStore creates a store backed by db.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now, logger: noopLogger{}}
}

// SetLogger sets the logger used for per-command failures.
func (s *SQLiteStore) SetLogger(logger Logger) {
	s.logger = logger
}

// SaveRegistration writes the controller, each device and each derived
// command in one transaction. The room must already exist.
func (s *SQLiteStore) SaveRegistration(ctx context.Context, reg Registration) (Result, error) {
	var res Result
	ts := s.now().UTC().Format(time.RFC3339)

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		roomID, err := lookupRoom(ctx, tx, reg.Controller.RoomID)
		if err != nil {
			return err
		}
		res.RoomDBID = roomID

		controllerID, err := upsertController(ctx, tx, roomID, reg.Controller, ts)
		if err != nil {
			return err
		}
		res.ControllerDBID = controllerID

		for _, d := range reg.Devices {
			if IsPseudoDevice(d) {
				continue
			}
			deviceID, err := upsertDevice(ctx, tx, roomID, controllerID, reg.Controller, d, ts)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.DeviceID, err)
			}
			res.Devices++

			for _, cmd := range Commands(d) {
				// A bad command row does not invalidate the device.
				if err := upsertCommand(ctx, tx, deviceID, cmd, ts); err != nil {
					s.logger.Error("failed to upsert device command",
						"device_id", d.DeviceID,
						"command", cmd.Name,
						"error", err,
					)
					continue
				}
				res.Commands++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// lookupRoom resolves a firmware room identifier by slug, or by the last
// segment of the room's MQTT topic base.
func lookupRoom(ctx context.Context, tx *sql.Tx, roomRef string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM rooms
		 WHERE slug = ? OR mqtt_topic_base LIKE '%/' || ?
		 LIMIT 1`,
		roomRef, roomRef,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrRoomNotFound, roomRef)
	}
	if err != nil {
		return "", fmt.Errorf("looking up room: %w", err)
	}
	return id, nil
}

func upsertController(ctx context.Context, tx *sql.Tx, roomID string, c ControllerMessage, ts string) (string, error) {
	namespace := orDefault(c.MQTTNamespace, defaultNamespace)
	heartbeat := orDefaultInt(c.HeartbeatIntervalMS, defaultHeartbeatInterval)

	var id string
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM controllers WHERE controller_id = ? AND room_id = ? LIMIT 1",
		c.ControllerID, roomID,
	).Scan(&id)

	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE controllers
			 SET firmware_version = ?,
			     hardware_type = COALESCE(NULLIF(?, ''), hardware_type),
			     mcu_model = COALESCE(NULLIF(?, ''), mcu_model),
			     sketch_name = COALESCE(NULLIF(?, ''), sketch_name),
			     heartbeat_interval_ms = ?,
			     mqtt_namespace = ?,
			     mqtt_room_id = ?,
			     mqtt_puzzle_id = ?,
			     mqtt_device_id = ?,
			     last_heartbeat = ?,
			     status = ?,
			     updated_at = ?
			 WHERE id = ?`,
			nullString(c.FirmwareVersion),
			c.HardwareType,
			c.MCUModel,
			c.SketchName,
			heartbeat,
			namespace,
			nullString(c.MQTTRoomID),
			nullString(c.MQTTControllerID),
			nullString(c.MQTTDeviceID),
			ts,
			statusActive,
			ts,
			id,
		)
		if err != nil {
			return "", fmt.Errorf("updating controller: %w", err)
		}
		return id, nil

	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO controllers (
			    id, room_id, controller_id, friendly_name, hardware_type, mcu_model,
			    clock_speed_mhz, firmware_version, sketch_name, digital_pins_total,
			    analog_pins_total, heartbeat_interval_ms, controller_type, mqtt_namespace,
			    mqtt_room_id, mqtt_puzzle_id, mqtt_device_id, status, created_at, updated_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id,
			roomID,
			c.ControllerID,
			orDefault(c.FriendlyName, c.ControllerID),
			orDefault(c.HardwareType, defaultHardwareType),
			orDefault(c.MCUModel, defaultMCUModel),
			orDefaultInt(c.ClockSpeedMHz, defaultClockSpeedMHz),
			nullString(c.FirmwareVersion),
			nullString(c.SketchName),
			orDefaultInt(c.DigitalPinsTotal, defaultDigitalPins),
			orDefaultInt(c.AnalogPinsTotal, defaultAnalogPins),
			heartbeat,
			orDefault(c.ControllerType, defaultControllerType),
			namespace,
			nullString(c.MQTTRoomID),
			nullString(c.MQTTControllerID),
			nullString(c.MQTTDeviceID),
			statusActive,
			ts,
			ts,
		)
		if err != nil {
			return "", fmt.Errorf("inserting controller: %w", err)
		}
		return id, nil

	default:
		return "", fmt.Errorf("looking up controller: %w", err)
	}
}

func upsertDevice(ctx context.Context, tx *sql.Tx, roomID, controllerDBID string, c ControllerMessage, d DeviceMessage, ts string) (string, error) {
	category := d.DeviceCategory
	if category == "" {
		category = defaultDeviceCategory
		if d.DeviceType == "video_player" {
			category = "media_playback"
		}
	}

	capabilities := map[string]any{
		"pin":        d.Pin,
		"pin_type":   nullString(d.PinType),
		"properties": d.Properties,
	}
	cfg := map[string]any{
		"pin":              d.Pin,
		"pin_type":         nullString(d.PinType),
		"properties":       d.Properties,
		"mqtt_namespace":   orDefault(c.MQTTNamespace, defaultNamespace),
		"mqtt_room_id":     nullString(c.MQTTRoomID),
		"mqtt_puzzle_id":   nullString(c.MQTTControllerID),
		"mqtt_device_id":   nullString(c.MQTTDeviceID),
		"controller_index": d.Index(),
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return "", fmt.Errorf("marshalling capabilities: %w", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshalling config: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO devices (
		    id, room_id, controller_id, device_id, friendly_name, device_type,
		    device_category, device_command_name, mqtt_topic, capabilities, config,
		    status, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, device_id) DO UPDATE SET
		    controller_id = excluded.controller_id,
		    friendly_name = excluded.friendly_name,
		    device_type = excluded.device_type,
		    device_category = excluded.device_category,
		    device_command_name = excluded.device_command_name,
		    mqtt_topic = excluded.mqtt_topic,
		    capabilities = excluded.capabilities,
		    config = excluded.config,
		    updated_at = excluded.updated_at
		 RETURNING id`,
		uuid.NewString(),
		roomID,
		controllerDBID,
		d.DeviceID,
		orDefault(d.FriendlyName, d.DeviceID),
		nullString(d.DeviceType),
		category,
		nullString(d.DeviceCommandName),
		DeviceTopic(c, d),
		string(capsJSON),
		string(cfgJSON),
		statusActive,
		ts,
		ts,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting device: %w", err)
	}
	return id, nil
}

func upsertCommand(ctx context.Context, tx *sql.Tx, deviceDBID string, cmd DeviceCommand, ts string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO device_commands (
		    id, device_id, command_name, specific_command, friendly_name,
		    mqtt_topic_suffix, command_type, enabled, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (device_id, specific_command) DO UPDATE SET
		    command_name = excluded.command_name,
		    friendly_name = excluded.friendly_name,
		    mqtt_topic_suffix = excluded.mqtt_topic_suffix,
		    updated_at = excluded.updated_at`,
		uuid.NewString(),
		deviceDBID,
		cmd.Name,
		cmd.Name,
		cmd.FriendlyName,
		cmd.TopicSuffix,
		topicTypeCommand,
		ts,
		ts,
	)
	if err != nil {
		return fmt.Errorf("upserting command: %w", err)
	}
	return nil
}

// DeviceTopic derives the base MQTT topic a device publishes under:
// namespace/room/controller/device, preferring the controller's declared
// MQTT identifiers.
func DeviceTopic(c ControllerMessage, d DeviceMessage) string {
	return orDefault(c.MQTTNamespace, defaultNamespace) + "/" +
		orDefault(c.MQTTRoomID, c.RoomID) + "/" +
		orDefault(c.MQTTControllerID, c.ControllerID) + "/" +
		d.DeviceID
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
