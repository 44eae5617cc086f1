package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/device-monitor/internal/device"
)

// Defaults applied by NewManager.
const (
	DefaultCacheSize = 100
	DefaultQueueSize = 1024
	DefaultWorkers   = 2
)

const (
	writeTimeout   = 5 * time.Second
	resolveTimeout = 2 * time.Second
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SensorReading is one numeric sample from a sensor topic.
type SensorReading struct {
	// DeviceID is the registered device id, or the device key when the
	// topic could not be resolved.
	DeviceID   string    `json:"deviceId"`
	DeviceKey  string    `json:"deviceKey"`
	SensorName string    `json:"sensorName"`
	Field      string    `json:"field"`
	Value      float64   `json:"value"`
	ReceivedAt time.Time `json:"receivedAt"`

	DBID string `json:"-"`
}

// DeviceState is the latest status payload of a device.
type DeviceState struct {
	DeviceKey    string         `json:"deviceKey"`
	ControllerID string         `json:"controllerId"`
	DeviceID     string         `json:"deviceId"`
	State        map[string]any `json:"state"`
	Timestamp    time.Time      `json:"timestamp"`

	DBID string `json:"-"`
}

// DeepCopy returns a copy whose State map can be modified freely.
func (s DeviceState) DeepCopy() DeviceState {
	cp := s
	cp.State = make(map[string]any, len(s.State))
	for k, v := range s.State {
		cp.State[k] = v
	}
	return cp
}

// EventType names a state event.
type EventType string

// State event types, matching the realtime envelope names.
const (
	EventSensorData  EventType = "sensor-data"
	EventStateUpdate EventType = "state-update"
)

// Event is emitted for every accepted reading and state update.
type Event struct {
	Type   EventType
	Sensor *SensorReading
	State  *DeviceState
}

// SensorSink persists sensor readings.
type SensorSink interface {
	WriteSensorReading(ctx context.Context, r SensorReading) error
}

// StateSink persists device states.
type StateSink interface {
	WriteDeviceState(ctx context.Context, s DeviceState) error
}

// SensorSinkFunc adapts a function to SensorSink.
type SensorSinkFunc func(ctx context.Context, r SensorReading) error

// WriteSensorReading calls f.
func (f SensorSinkFunc) WriteSensorReading(ctx context.Context, r SensorReading) error {
	return f(ctx, r)
}

// Options configures a Manager.
type Options struct {
	Namespaces []string
	CacheSize  int
	QueueSize  int
	Workers    int
	Resolver   Resolver
}

// Manager caches sensor readings and device states and persists them through
// its sinks.
type Manager struct {
	namespaces map[string]struct{}
	cacheSize  int
	resolver   Resolver

	mu       sync.RWMutex
	readings map[string][]SensorReading
	states   map[string]DeviceState

	sinkMu      sync.RWMutex
	sensorSinks []SensorSink
	stateSinks  []StateSink

	hookMu  sync.RWMutex
	onEvent []func(Event)

	queue  *writeQueue
	logger Logger
}

// NewManager creates a manager and starts its write workers.
func NewManager(opts Options) *Manager {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if len(opts.Namespaces) == 0 {
		opts.Namespaces = device.DefaultNamespaces
	}

	ns := make(map[string]struct{}, len(opts.Namespaces))
	for _, n := range opts.Namespaces {
		ns[strings.ToLower(n)] = struct{}{}
	}

	return &Manager{
		namespaces: ns,
		cacheSize:  opts.CacheSize,
		resolver:   opts.Resolver,
		readings:   make(map[string][]SensorReading),
		states:     make(map[string]DeviceState),
		queue:      newWriteQueue(opts.QueueSize, opts.Workers),
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// AddSensorSink registers a sink for sensor readings.
func (m *Manager) AddSensorSink(s SensorSink) {
	m.sinkMu.Lock()
	m.sensorSinks = append(m.sensorSinks, s)
	m.sinkMu.Unlock()
}

// AddStateSink registers a sink for device states.
func (m *Manager) AddStateSink(s StateSink) {
	m.sinkMu.Lock()
	m.stateSinks = append(m.stateSinks, s)
	m.sinkMu.Unlock()
}

// OnEvent registers a handler for state events. Handlers run synchronously
// on the ingesting goroutine and must not block.
func (m *Manager) OnEvent(fn func(Event)) {
	m.hookMu.Lock()
	m.onEvent = append(m.onEvent, fn)
	m.hookMu.Unlock()
}

// HandleMessage processes topic if it is a sensor or status topic. It never
// waits on the database: device resolution and writes happen on the write
// queue.
//
// handled reports whether the topic matched the state grammar. Empty and
// non-JSON payloads are skipped without error.
func (m *Manager) HandleMessage(ctx context.Context, topic string, payload []byte, receivedAt time.Time) (handled bool, err error) {
	t, ok := ParseTopic(topic, m.namespaces)
	if !ok {
		return false, nil
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		m.logger.Debug("skipping empty state payload", "topic", topic)
		return true, nil
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		m.logger.Debug("skipping non-JSON state payload", "topic", topic, "error", err)
		return true, nil
	}

	if t.Category == CategorySensors {
		m.handleSensor(t, value, receivedAt)
	} else {
		m.handleStatus(t, value, receivedAt)
	}
	return true, nil
}

func (m *Manager) handleSensor(t Topic, value any, receivedAt time.Time) {
	deviceKey := t.DeviceKey()

	var fields []device.NumericField
	switch v := value.(type) {
	case float64:
		fields = []device.NumericField{{Name: t.Item, Value: v}}
	case map[string]any:
		fields = device.NumericFields(v)
	}
	if len(fields) == 0 {
		m.logger.Debug("sensor payload has no numeric fields",
			"device_key", deviceKey,
			"sensor", t.Item,
		)
		return
	}

	// Until the write queue has resolved the device, readings carry the
	// device key.
	ref := DeviceRef{Room: t.Room, Controller: t.Controller, Device: t.Device, Sensor: t.Item}
	res, resolved := Resolution{DeviceID: deviceKey}, false
	if m.resolver != nil {
		if found, ok := m.resolver.Cached(ref); ok {
			res, resolved = found, true
		}
	}

	readings := make([]SensorReading, 0, len(fields))
	for _, f := range fields {
		readings = append(readings, SensorReading{
			DeviceID:   res.DeviceID,
			DeviceKey:  deviceKey,
			SensorName: t.Item,
			Field:      f.Name,
			Value:      f.Value,
			ReceivedAt: receivedAt,
			DBID:       res.DBID,
		})
	}

	key := readingKey(deviceKey, t.Item)
	m.mu.Lock()
	buf := m.readings[key]
	for _, r := range readings {
		buf = append([]SensorReading{r}, buf...)
	}
	if len(buf) > m.cacheSize {
		buf = buf[:m.cacheSize]
	}
	m.readings[key] = buf
	m.mu.Unlock()

	for i := range readings {
		r := readings[i]
		m.emit(Event{Type: EventSensorData, Sensor: &r})
		m.persist("sensor reading", deviceKey, func(ctx context.Context) {
			if !resolved {
				if found, ok := m.resolve(ctx, ref); ok {
					r.DeviceID, r.DBID = found.DeviceID, found.DBID
				}
			}
			m.writeSensor(ctx, r)
		})
	}
}

func (m *Manager) handleStatus(t Topic, value any, receivedAt time.Time) {
	obj, ok := value.(map[string]any)
	if !ok {
		obj = map[string]any{"value": value}
	}

	st := DeviceState{
		DeviceKey:    t.DeviceKey(),
		ControllerID: t.Controller,
		DeviceID:     t.Device,
		State:        obj,
		Timestamp:    receivedAt,
	}

	m.mu.Lock()
	m.states[st.DeviceKey] = st
	m.mu.Unlock()

	cp := st.DeepCopy()
	m.emit(Event{Type: EventStateUpdate, State: &cp})

	ref := DeviceRef{Room: t.Room, Controller: t.Controller, Device: t.Device}
	m.persist("device state", st.DeviceKey, func(ctx context.Context) {
		if res, ok := m.resolve(ctx, ref); ok {
			st.DBID = res.DBID
		}
		m.writeState(ctx, st)
	})
}

// resolve runs on a write worker.
func (m *Manager) resolve(ctx context.Context, ref DeviceRef) (Resolution, bool) {
	if m.resolver == nil {
		return Resolution{}, false
	}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	return m.resolver.Resolve(rctx, ref)
}

func (m *Manager) persist(kind, deviceKey string, job func(context.Context)) {
	if !m.queue.enqueue(job) {
		m.logger.Warn("state write queue full, dropping write",
			"kind", kind,
			"device_key", deviceKey,
		)
	}
}

func (m *Manager) writeSensor(ctx context.Context, r SensorReading) {
	m.sinkMu.RLock()
	sinks := m.sensorSinks
	m.sinkMu.RUnlock()

	for _, s := range sinks {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.WriteSensorReading(wctx, r)
		cancel()
		m.logWriteError("sensor reading", r.DeviceKey, err)
	}
}

func (m *Manager) writeState(ctx context.Context, st DeviceState) {
	m.sinkMu.RLock()
	sinks := m.stateSinks
	m.sinkMu.RUnlock()

	for _, s := range sinks {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.WriteDeviceState(wctx, st)
		cancel()
		m.logWriteError("device state", st.DeviceKey, err)
	}
}

func (m *Manager) logWriteError(kind, deviceKey string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrUnresolvedDevice):
		m.logger.Debug("no registered device for "+kind, "device_key", deviceKey)
	default:
		m.logger.Error("failed to persist "+kind,
			"device_key", deviceKey,
			"error", err,
		)
	}
}

func (m *Manager) emit(e Event) {
	m.hookMu.RLock()
	handlers := m.onEvent
	m.hookMu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// LatestStates returns a copy of every cached device state, sorted by
// device key.
func (m *Manager) LatestStates() []DeviceState {
	m.mu.RLock()
	out := make([]DeviceState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.DeepCopy())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceKey < out[j].DeviceKey })
	return out
}

// SensorReadings returns the cached readings for a device key and sensor,
// newest first.
func (m *Manager) SensorReadings(deviceKey, sensor string) []SensorReading {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf := m.readings[readingKey(deviceKey, sensor)]
	out := make([]SensorReading, len(buf))
	copy(out, buf)
	return out
}

// Dropped returns the number of persistence writes dropped so far.
func (m *Manager) Dropped() uint64 {
	return m.queue.dropped.Load()
}

// QueueDepth returns the number of writes waiting for a worker.
func (m *Manager) QueueDepth() int {
	return m.queue.depth()
}

// Close stops accepting writes and drains the queue until ctx expires.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.queue.close(ctx); err != nil {
		return fmt.Errorf("draining state writes: %w", err)
	}
	return nil
}

func readingKey(deviceKey, sensor string) string {
	return strings.ToLower(deviceKey) + ":" + strings.ToLower(sensor)
}
