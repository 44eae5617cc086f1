package device

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Defaults applied by NewRegistry.
const (
	DefaultHeartbeatTimeout = 5 * time.Second
	DefaultHistoryLimit     = 100
	ListHistoryLimit        = 20
)

// Message is one inbound telemetry message.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Options configures a Registry.
type Options struct {
	// HeartbeatTimeout is how long a device may stay silent before the
	// health sweep marks it offline.
	HeartbeatTimeout time.Duration

	// RateLimit is the per-device message budget per second.
	RateLimit int

	// Namespaces are topic prefixes stripped before identity parsing.
	Namespaces []string

	// HistoryLimit caps the stored metrics and sensors per record.
	HistoryLimit int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Registry holds the live record of every device seen on the bus.
//
// Records are keyed by the lower-cased uniqueId once a device has reported
// one, otherwise by the canonical topic key. A secondary index maps canonical
// keys to uniqueId keys so topic-only messages still find their record.
//
// All public methods are thread-safe. Returned records are deep copies.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Record
	aliases map[string]string // canonical key -> uniqueId key

	parser           *TopicParser
	limiter          *RateLimiter
	heartbeatTimeout time.Duration
	historyLimit     int
	now              func() time.Time

	handlersMu sync.RWMutex
	handlers   []EventHandler

	logger Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		devices:          make(map[string]*Record),
		aliases:          make(map[string]string),
		parser:           NewTopicParser(opts.Namespaces),
		limiter:          NewRateLimiter(opts.RateLimit),
		heartbeatTimeout: opts.HeartbeatTimeout,
		historyLimit:     opts.HistoryLimit,
		now:              opts.Now,
		logger:           noopLogger{},
	}
}

// SetLogger sets the logger for the registry and its rate limiter.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
	r.limiter.SetLogger(logger)
}

// OnEvent registers a handler for registry events.
func (r *Registry) OnEvent(h EventHandler) {
	r.handlersMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlersMu.Unlock()
}

func (r *Registry) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	r.handlersMu.RLock()
	handlers := append([]EventHandler(nil), r.handlers...)
	r.handlersMu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

// RateLimiter returns the limiter guarding HandleMessage.
func (r *Registry) RateLimiter() *RateLimiter {
	return r.limiter
}

// extracted holds the string fields picked out of one payload.
type extracted struct {
	uniqueID     string
	firmware     string
	displayName  string
	hardware     string
	roomLabel    string
	puzzleLabel  string
	puzzleStatus string
	status       string
}

func extract(obj map[string]any) extracted {
	meta := AsObject(obj["metadata"])
	return extracted{
		uniqueID:     pickEither(obj, meta, uniqueIDKeys, uniqueIDKeys),
		firmware:     pickEither(obj, meta, firmwareKeys, firmwareKeys),
		displayName:  pickEither(obj, meta, displayNameKeys, displayNameKeys),
		hardware:     pickEither(obj, meta, hardwareKeys, hardwareKeys),
		roomLabel:    pickEither(obj, meta, roomLabelKeys, roomLabelMetaKeys),
		puzzleLabel:  pickEither(obj, meta, puzzleKeys, puzzleMetaKeys),
		puzzleStatus: pickEither(obj, meta, puzzleStatusKeys, puzzleStatusMeta),
		status:       pickEither(obj, meta, statusKeys, statusKeys),
	}
}

// HandleMessage applies one telemetry message to the registry.
//
// It returns ErrInvalidTopic when the topic carries no identity and
// ErrRateLimited when the device exceeded its budget; in both cases the
// registry is unchanged.
func (r *Registry) HandleMessage(msg Message) error {
	id := r.parser.Parse(msg.Topic)
	if id.Key == "" {
		return ErrInvalidTopic
	}
	if !r.limiter.Allow(id.Key, msg.ReceivedAt) {
		return ErrRateLimited
	}

	obj := AsObject(ParsePayload(msg.Payload))
	fields := extract(obj)
	uniqueKey := strings.ToLower(strings.TrimSpace(fields.uniqueID))
	now := msg.ReceivedAt

	var events []Event
	r.mu.Lock()
	rec, created := r.resolveLocked(id, uniqueKey, now)
	if created {
		events = append(events, Event{Type: EventDeviceOnline, Device: *rec.DeepCopy(), Message: &msg})
	}

	offline := strings.EqualFold(fields.status, string(StatusOffline))
	if !offline {
		rec.LastSeen = now
		rec.Status = StatusOnline
		rec.HealthScore = clampHealth(rec.HealthScore + HealthRecovery)
	}

	rec.ID = id.Key
	rec.CanonicalID = id.Key
	if uniqueKey != "" {
		rec.UniqueID = uniqueKey
		rec.Metadata["uniqueId"] = uniqueKey
	}
	if id.RoomID != "" {
		rec.RoomID = id.RoomID
	}
	if id.PuzzleID != "" {
		rec.PuzzleID = id.PuzzleID
	}
	if !slices.Contains(rec.RawTopics, msg.Topic) {
		rec.RawTopics = append(rec.RawTopics, msg.Topic)
	}

	evType := EventDeviceUpdated
	if obj != nil {
		r.mergeSamplesLocked(rec, msg.Topic, obj, now)
		if t := r.applyFieldsLocked(rec, obj, fields, now); t != "" {
			evType = t
		}
	}
	if _, ok := rec.Metadata["status"]; !ok {
		rec.Metadata["status"] = string(rec.Status)
	}
	events = append(events, Event{Type: evType, Device: *rec.DeepCopy(), Message: &msg})
	r.mu.Unlock()

	r.emit(events)
	return nil
}

// resolveLocked finds or creates the record for a message. The caller must
// hold r.mu.
func (r *Registry) resolveLocked(id TopicIdentity, uniqueKey string, now time.Time) (*Record, bool) {
	canonicalKey, canonical := r.lookupLocked(id.Key)

	if uniqueKey == "" {
		if canonical != nil {
			return canonical, false
		}
		return r.createLocked(id.Key, id, now), true
	}

	// A record owned by other hardware keeps its history; only the topic
	// alias moves to the new uniqueId.
	owned := canonical != nil && canonical.UniqueID != "" && canonical.UniqueID != uniqueKey
	if owned {
		r.logger.Debug("topic moved to different hardware", "canonical", id.Key, "from", canonical.UniqueID, "to", uniqueKey)
	}

	if rec, ok := r.devices[uniqueKey]; ok {
		if canonical != nil && canonical != rec && !owned {
			r.foldLocked(rec, canonical)
			r.deleteLocked(canonicalKey)
			r.logger.Debug("merged topic record into uniqueId record", "canonical", id.Key, "unique_id", uniqueKey)
		}
		r.aliasLocked(id.Key, uniqueKey)
		return rec, false
	}

	if canonical != nil && !owned {
		// Re-key in place; history travels with the record.
		r.deleteLocked(canonicalKey)
		r.devices[uniqueKey] = canonical
		r.aliasLocked(id.Key, uniqueKey)
		r.logger.Debug("device re-keyed to uniqueId", "canonical", id.Key, "unique_id", uniqueKey)
		return canonical, false
	}

	return r.createLocked(uniqueKey, id, now), true
}

// lookupLocked returns the record a canonical key resolves to and the map key
// it is stored under.
func (r *Registry) lookupLocked(canonicalKey string) (string, *Record) {
	if key, ok := r.aliases[canonicalKey]; ok {
		if rec, ok := r.devices[key]; ok {
			return key, rec
		}
	}
	if rec, ok := r.devices[canonicalKey]; ok {
		return canonicalKey, rec
	}
	return "", nil
}

func (r *Registry) createLocked(key string, id TopicIdentity, now time.Time) *Record {
	rec := &Record{
		ID:          id.Key,
		CanonicalID: id.Key,
		RoomID:      id.RoomID,
		PuzzleID:    id.PuzzleID,
		Category:    DefaultCategory,
		Status:      StatusUnknown,
		LastSeen:    now,
		FirstSeen:   now,
		HealthScore: MaxHealth,
		Metrics:     []Metric{},
		Sensors:     []Sensor{},
		Metadata:    make(map[string]any),
		RawTopics:   []string{},
	}
	if key != id.Key {
		rec.UniqueID = key
		r.aliasLocked(id.Key, key)
	}
	r.devices[key] = rec
	r.logger.Info("device discovered", "device", key, "room", id.RoomID)
	return rec
}

func (r *Registry) aliasLocked(canonicalKey, key string) {
	if canonicalKey != key {
		r.aliases[canonicalKey] = key
	}
}

// deleteLocked removes the record stored under key and any aliases to it.
func (r *Registry) deleteLocked(key string) {
	delete(r.devices, key)
	for canonical, target := range r.aliases {
		if target == key || canonical == key {
			delete(r.aliases, canonical)
		}
	}
}

// foldLocked appends src's history onto dst.
func (r *Registry) foldLocked(dst, src *Record) {
	dst.Metrics = r.capMetrics(append(dst.Metrics, src.Metrics...))
	dst.Sensors = r.capSensors(append(dst.Sensors, src.Sensors...))
	for k, v := range src.Metadata {
		if _, exists := dst.Metadata[k]; !exists {
			dst.Metadata[k] = v
		}
	}
	for _, t := range src.RawTopics {
		if !slices.Contains(dst.RawTopics, t) {
			dst.RawTopics = append(dst.RawTopics, t)
		}
	}
	dst.ErrorCount += src.ErrorCount
	if src.FirstSeen.Before(dst.FirstSeen) {
		dst.FirstSeen = src.FirstSeen
	}
}

func (r *Registry) mergeSamplesLocked(rec *Record, topic string, obj map[string]any, now time.Time) {
	if arr, ok := obj["metrics"].([]any); ok {
		for _, raw := range arr {
			m := toMetric(raw)
			m.RecordedAt = now
			rec.Metrics = append(rec.Metrics, m)
		}
	}
	if arr, ok := obj["sensors"].([]any); ok {
		for _, raw := range arr {
			s := toSensor(raw)
			s.RecordedAt = now
			rec.Sensors = append(rec.Sensors, s)
		}
	}

	lower := strings.ToLower(topic)
	tag := lastSegment(topic)
	if tag == "" {
		tag = "unknown"
	}
	if strings.Contains(lower, "/sensors/") {
		for _, f := range NumericFields(obj) {
			rec.Sensors = append(rec.Sensors, Sensor{Name: f.Name, Value: f.Value, SensorType: tag, RecordedAt: now})
		}
	}
	if strings.Contains(lower, "/metrics/") {
		for _, f := range NumericFields(obj) {
			rec.Metrics = append(rec.Metrics, Metric{Name: f.Name, Value: f.Value, Unit: tag, RecordedAt: now})
		}
	}

	rec.Metrics = r.capMetrics(rec.Metrics)
	rec.Sensors = r.capSensors(rec.Sensors)
}

// applyFieldsLocked merges labels and status. It returns EventDeviceOffline
// when the message moved the device to offline.
func (r *Registry) applyFieldsLocked(rec *Record, obj map[string]any, f extracted, now time.Time) EventType {
	if meta := AsObject(obj["metadata"]); len(meta) > 0 {
		for k, v := range meta {
			rec.Metadata[k] = deepCopyValue(v)
		}
	}

	applyPuzzleStatus(rec, f.puzzleStatus, now)

	if f.firmware != "" {
		rec.FirmwareVersion = f.firmware
		rec.Metadata["firmwareVersion"] = f.firmware
	}
	if f.displayName != "" {
		rec.DisplayName = f.displayName
		rec.Metadata["displayName"] = f.displayName
	}
	if f.hardware != "" {
		rec.Metadata["hardware"] = f.hardware
	}
	if f.roomLabel != "" {
		rec.Metadata["roomLabel"] = f.roomLabel
	}
	if f.puzzleLabel != "" {
		rec.Metadata["puzzleId"] = f.puzzleLabel
	}

	if f.status == "" {
		return ""
	}
	status, ok := ParseStatus(strings.ToLower(f.status))
	if !ok {
		applyPuzzleStatus(rec, f.status, now)
		return ""
	}
	previous := rec.Status
	rec.Status = status
	rec.Metadata["status"] = string(status)
	if status == StatusOffline && previous != StatusOffline {
		return EventDeviceOffline
	}
	return ""
}

func applyPuzzleStatus(rec *Record, value string, now time.Time) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return
	}
	ts := now
	rec.PuzzleStatus = trimmed
	rec.PuzzleStatusUpdatedAt = &ts
	rec.Metadata["puzzleStatus"] = trimmed
	rec.Metadata["state"] = trimmed
}

func (r *Registry) capMetrics(m []Metric) []Metric {
	if len(m) > r.historyLimit {
		return append([]Metric(nil), m[len(m)-r.historyLimit:]...)
	}
	return m
}

func (r *Registry) capSensors(s []Sensor) []Sensor {
	if len(s) > r.historyLimit {
		return append([]Sensor(nil), s[len(s)-r.historyLimit:]...)
	}
	return s
}

// MarkCommandError records a failed command against its target device.
// Unknown targets are ignored. It reports whether a record was updated.
func (r *Registry) MarkCommandError(cmd Command) bool {
	key := CanonicalKey(cmd.RoomID, cmd.PuzzleID, cmd.DeviceID)

	r.mu.Lock()
	_, rec := r.lookupLocked(key)
	if rec == nil {
		rec = r.devices[strings.ToLower(cmd.DeviceID)]
	}
	if rec == nil {
		r.mu.Unlock()
		return false
	}
	rec.ErrorCount++
	rec.HealthScore = clampHealth(rec.HealthScore - HealthCommandPenalty)
	ev := Event{Type: EventDeviceUpdated, Device: *rec.DeepCopy()}
	r.mu.Unlock()

	r.logger.Warn("device command failed", "device", key, "command", cmd.Command, "error_count", ev.Device.ErrorCount)
	r.emit([]Event{ev})
	return true
}

// PerformHealthSweep marks every record silent for longer than the heartbeat
// timeout as offline. It returns the number of records transitioned.
func (r *Registry) PerformHealthSweep(now time.Time) int {
	var events []Event

	r.mu.Lock()
	for _, rec := range r.devices {
		if rec.Status == StatusOffline || now.Sub(rec.LastSeen) <= r.heartbeatTimeout {
			continue
		}
		rec.Status = StatusOffline
		rec.HealthScore = clampHealth(rec.HealthScore - HealthOfflinePenalty)
		events = append(events, Event{Type: EventDeviceOffline, Device: *rec.DeepCopy()})
		r.logger.Warn("device marked offline after heartbeat timeout",
			"device", rec.CanonicalID,
			"room", rec.RoomID,
			"last_seen", rec.LastSeen,
			"timeout", r.heartbeatTimeout,
		)
	}
	r.mu.Unlock()

	r.limiter.Prune(now)
	r.emit(events)
	return len(events)
}

// RunHealthSweep performs a health sweep every interval until ctx is done.
func (r *Registry) RunHealthSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PerformHealthSweep(r.now())
		}
	}
}

// ListDevices returns every record with history trimmed to the most recent
// ListHistoryLimit entries.
func (r *Registry) ListDevices() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.devices))
	for _, rec := range r.devices {
		cpy := rec.DeepCopy()
		cpy.ID = cpy.CanonicalID
		if n := len(cpy.Metrics); n > ListHistoryLimit {
			cpy.Metrics = cpy.Metrics[n-ListHistoryLimit:]
		}
		if n := len(cpy.Sensors); n > ListHistoryLimit {
			cpy.Sensors = cpy.Sensors[n-ListHistoryLimit:]
		}
		out = append(out, *cpy)
	}
	return out
}

// GetDevice looks a record up by uniqueId or canonical key.
func (r *Registry) GetDevice(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, rec := r.findLocked(id)
	if rec == nil {
		return nil, ErrDeviceNotFound
	}
	return rec.DeepCopy(), nil
}

// RemoveDevice deletes a record by uniqueId or canonical key.
func (r *Registry) RemoveDevice(id string) error {
	r.mu.Lock()
	key, rec := r.findLocked(id)
	if rec == nil {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	r.deleteLocked(key)
	r.mu.Unlock()

	r.logger.Info("device removed from registry", "device", key)
	return nil
}

func (r *Registry) findLocked(id string) (string, *Record) {
	key := strings.ToLower(strings.TrimSpace(id))
	if rec, ok := r.devices[key]; ok {
		return key, rec
	}
	return r.lookupLocked(key)
}

// Summary counts records by status.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{Total: len(r.devices)}
	for _, rec := range r.devices {
		switch rec.Status {
		case StatusOnline:
			s.Online++
		case StatusOffline:
			s.Offline++
		case StatusDegraded:
			s.Degraded++
		}
	}
	return s
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
