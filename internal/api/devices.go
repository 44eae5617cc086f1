package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/device-monitor/internal/audit"
	"github.com/nerrad567/device-monitor/internal/device"
	"github.com/nerrad567/device-monitor/internal/infrastructure/mqtt"
)

// Sensor history query defaults and bounds.
const (
	defaultHistoryWindow = time.Hour
	defaultHistoryStep   = time.Minute
	maxHistoryWindow     = 30 * 24 * time.Hour
)

// commandRequest is the body of POST /devices/{id}/command.
type commandRequest struct {
	Command       string          `json:"command"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RoomID        string          `json:"roomId,omitempty"`
	PuzzleID      string          `json:"puzzleId,omitempty"`
	Category      string          `json:"category,omitempty"`
	TopicOverride string          `json:"topicOverride,omitempty"`
}

// commandMessage is published when the request payload is not a string.
type commandMessage struct {
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload"`
	IssuedAt time.Time       `json:"issuedAt"`
}

// pathID returns the unescaped URL parameter. Device ids contain slashes,
// so clients send them percent-encoded.
func pathID(r *http.Request, key string) (string, bool) {
	raw := chi.URLParam(r, key)
	id, err := url.PathUnescape(raw)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// handleListDevices returns every tracked device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.ListDevices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device by id or alias.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	rec, err := s.devices.GetDevice(id)
	if err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteDevice drops a device from the registry.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if err := s.devices.RemoveDevice(id); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.logger.Info("device removed", "device_id", id)
	s.recordAudit(r, audit.Entry{Action: audit.ActionRemove, EntityType: audit.EntityDevice, EntityID: id})
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceCommand publishes a command to a device's controller.
//
// The topic is topicOverride when given, else
// <namespace>/<room>/<puzzle>/<device>/<category|commands>/<command>, with
// room and puzzle defaulting to the device record. A string payload is sent
// verbatim; anything else is wrapped in a command message. A publish failure
// counts against the device's health and returns 502.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	rec, err := s.devices.GetDevice(id)
	if err != nil {
		s.writeDeviceError(w, id, err)
		return
	}

	cmd := device.Command{
		RoomID:   firstNonEmpty(req.RoomID, rec.RoomID),
		PuzzleID: firstNonEmpty(req.PuzzleID, rec.PuzzleID),
		DeviceID: lastSegment(rec.ID),
		Category: req.Category,
		Command:  req.Command,
	}
	topic := req.TopicOverride
	if topic == "" {
		topic = mqtt.Topics{}.DeviceCommand(s.commandNamespace, cmd.RoomID, cmd.PuzzleID, cmd.DeviceID, cmd.Category, cmd.Command)
	}

	payload, err := s.commandPayload(req)
	if err != nil {
		writeBadRequest(w, "invalid payload")
		return
	}

	entry := audit.Entry{
		Action:     audit.ActionCommand,
		EntityType: audit.EntityDevice,
		EntityID:   rec.ID,
		Details:    map[string]any{"command": cmd.Command, "topic": topic},
	}

	if s.publisher == nil {
		s.devices.MarkCommandError(cmd)
		entry.Outcome = audit.OutcomeFailed
		s.recordAudit(r, entry)
		writeBadGateway(w, "MQTT not connected")
		return
	}
	if err := s.publisher.PublishCommand(topic, payload); err != nil {
		s.devices.MarkCommandError(cmd)
		entry.Outcome = audit.OutcomeFailed
		entry.Details["error"] = err.Error()
		s.recordAudit(r, entry)
		s.logger.Warn("device command publish failed",
			"device_id", rec.ID,
			"topic", topic,
			"error", err,
		)
		writeBadGateway(w, "failed to publish command")
		return
	}

	s.logger.Info("device command published",
		"device_id", rec.ID,
		"command", cmd.Command,
		"topic", topic,
		"request_id", requestID(r),
	)
	s.recordAudit(r, entry)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "published",
		"topic":   topic,
		"command": cmd.Command,
	})
}

// commandPayload encodes the outbound MQTT payload for req.
func (s *Server) commandPayload(req commandRequest) ([]byte, error) {
	if len(req.Payload) > 0 {
		var str string
		if err := json.Unmarshal(req.Payload, &str); err == nil {
			return []byte(str), nil
		}
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(commandMessage{
		Command:  req.Command,
		Payload:  payload,
		IssuedAt: s.now().UTC(),
	})
}

// handleSensorReadings returns the cached readings for a device key and
// sensor, newest first.
func (s *Server) handleSensorReadings(w http.ResponseWriter, r *http.Request) {
	if s.sensors == nil {
		writeUnavailable(w, "sensor cache not available")
		return
	}
	id, ok := pathID(r, "id")
	sensor, sok := pathID(r, "sensor")
	if !ok || !sok {
		writeBadRequest(w, "invalid device or sensor")
		return
	}
	readings := s.sensors.SensorReadings(id, sensor)
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceKey": strings.ToLower(id),
		"sensor":    sensor,
		"readings":  readings,
		"count":     len(readings),
	})
}

// handleSensorHistory proxies a range query to the time-series store.
// Query parameters: window (default 1h) and step (default 1m), as Go
// durations.
func (s *Server) handleSensorHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "time-series store not configured")
		return
	}
	id, ok := pathID(r, "id")
	sensor, sok := pathID(r, "sensor")
	if !ok || !sok {
		writeBadRequest(w, "invalid device or sensor")
		return
	}

	window, err := durationParam(r, "window", defaultHistoryWindow)
	if err != nil || window > maxHistoryWindow {
		writeBadRequest(w, "invalid window")
		return
	}
	step, err := durationParam(r, "step", defaultHistoryStep)
	if err != nil {
		writeBadRequest(w, "invalid step")
		return
	}

	end := s.now()
	data, err := s.history.SensorHistory(r.Context(), id, sensor, end.Add(-window), end, step)
	if err != nil {
		s.logger.Warn("sensor history query failed",
			"device_id", id,
			"sensor", sensor,
			"error", err,
		)
		writeBadGateway(w, "time-series query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": id,
		"sensor":   sensor,
		"data":     data,
	})
}

// writeDeviceError maps registry errors to responses.
func (s *Server) writeDeviceError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeNotFound(w, "device not found")
		return
	}
	s.logger.Error("device lookup failed", "device_id", id, "error", err)
	writeInternalError(w, "device lookup failed")
}

// durationParam parses a positive duration query parameter.
func durationParam(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// lastSegment returns the part of a device id after its final slash.
func lastSegment(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
