package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/device-monitor/internal/alert"
	"github.com/nerrad567/device-monitor/internal/device"
	"github.com/nerrad567/device-monitor/internal/infrastructure/mqtt"
	"github.com/nerrad567/device-monitor/internal/registration"
)

// Route labels used in logs and metrics.
const (
	RouteTelemetry              = "telemetry"
	RouteRegistrationController = "registration_controller"
	RouteRegistrationDevice     = "registration_device"
	RouteRegistrationLegacy     = "registration_legacy"
	RouteSystem                 = "system"
)

// Logger defines the logging interface used by the Dispatcher.
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

// Registry applies telemetry to the live device records.
type Registry interface {
	HandleMessage(msg device.Message) error
}

// StateCache consumes sensor and status topics.
type StateCache interface {
	HandleMessage(ctx context.Context, topic string, payload []byte, receivedAt time.Time) (bool, error)
}

// Registrar buffers and finalizes registration handshakes.
type Registrar interface {
	HandleController(ctx context.Context, msg registration.ControllerMessage) error
	HandleDevice(ctx context.Context, msg registration.DeviceMessage) error
	HandleLegacy(ctx context.Context, reg registration.Registration) error
}

// AlertRaiser raises alerts for device failures.
type AlertRaiser interface {
	Raise(severity alert.Severity, message string, ref *alert.DeviceRef) (alert.Alert, error)
}

// HeartbeatQueue accepts device snapshots for batched persistence.
type HeartbeatQueue interface {
	Queue(rec device.Record)
}

// HeartbeatRecorder writes a liveness sample to a time-series store.
type HeartbeatRecorder interface {
	WriteHeartbeat(deviceID, roomID string, online bool, healthScore int, ts time.Time)
}

// Broadcaster pushes registry events to realtime clients.
type Broadcaster interface {
	BroadcastDeviceEvent(ev device.Event)
}

// Metrics counts ingest traffic.
type Metrics interface {
	MessageReceived(route string)
	RateLimited()
	IngestError(route string)
}

// Deps holds the components a Dispatcher routes to. Registry is required;
// the rest are optional.
type Deps struct {
	Registry     Registry
	State        StateCache
	Registrar    Registrar
	Alerts       AlertRaiser
	Heartbeats   HeartbeatQueue
	Recorders    []HeartbeatRecorder
	Broadcaster  Broadcaster
	Metrics      Metrics
	Now          func() time.Time
	IgnoreTopics []string
}

// Dispatcher routes MQTT messages and registry events.
//
// HandleMessage is safe for concurrent use, but registration and status
// handling assume one subscription's messages arrive in publish order. It
// never waits on a database write: finalize passes, heartbeats and state
// writes all run in the background.
type Dispatcher struct {
	registry    Registry
	state       StateCache
	registrar   Registrar
	alerts      AlertRaiser
	heartbeats  HeartbeatQueue
	recorders   []HeartbeatRecorder
	broadcaster Broadcaster
	metrics     Metrics
	now         func() time.Time
	ignore      map[string]struct{}
	topics      mqtt.Topics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	logger Logger
}

// New creates a dispatcher.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ignore := map[string]struct{}{mqtt.Topics{}.SystemStatus(): {}}
	for _, t := range deps.IgnoreTopics {
		ignore[t] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:    deps.Registry,
		state:       deps.State,
		registrar:   deps.Registrar,
		alerts:      deps.Alerts,
		heartbeats:  deps.Heartbeats,
		recorders:   deps.Recorders,
		broadcaster: deps.Broadcaster,
		metrics:     deps.Metrics,
		now:         deps.Now,
		ignore:      ignore,
		ctx:         ctx,
		cancel:      cancel,
		logger:      noopLogger{},
	}, nil
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// HandleMessage is the mqtt.MessageHandler for every subscribed topic.
// Rate-limited messages are counted and dropped without error. Other
// failures are counted and returned for the MQTT client to log.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) (err error) {
	route := RouteTelemetry
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic recovered while handling message",
				"topic", topic,
				"route", route,
				"panic", r,
			)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			d.countError(route)
		}
	}()

	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if _, skip := d.ignore[topic]; skip {
		return nil
	}

	receivedAt := d.now()
	switch d.topics.ClassifyRegistration(topic) {
	case mqtt.RegistrationController:
		route = RouteRegistrationController
		err = d.handleController(payload)
	case mqtt.RegistrationDevice:
		route = RouteRegistrationDevice
		err = d.handleDevice(payload)
	case mqtt.RegistrationLegacy:
		route = RouteRegistrationLegacy
		err = d.handleLegacy(payload)
	default:
		err = d.handleTelemetry(topic, payload, receivedAt)
	}

	if d.metrics != nil {
		d.metrics.MessageReceived(route)
	}
	if errors.Is(err, device.ErrRateLimited) {
		return nil
	}
	if err != nil {
		d.countError(route)
		return fmt.Errorf("%s: %w", route, err)
	}
	return nil
}

func (d *Dispatcher) countError(route string) {
	if d.metrics != nil {
		d.metrics.IngestError(route)
	}
}

func (d *Dispatcher) handleController(payload []byte) error {
	if d.registrar == nil {
		return nil
	}
	msg, err := registration.ParseControllerMessage(payload)
	if err != nil {
		return err
	}
	return d.registrar.HandleController(d.ctx, *msg)
}

func (d *Dispatcher) handleDevice(payload []byte) error {
	if d.registrar == nil {
		return nil
	}
	msg, err := registration.ParseDeviceMessage(payload)
	if err != nil {
		return err
	}
	return d.registrar.HandleDevice(d.ctx, *msg)
}

func (d *Dispatcher) handleLegacy(payload []byte) error {
	if d.registrar == nil {
		return nil
	}
	reg, err := registration.ParseLegacyMessage(payload)
	if err != nil {
		return err
	}
	return d.registrar.HandleLegacy(d.ctx, *reg)
}

// handleTelemetry feeds the registry and the state cache. A rate-limited
// message is dropped for the registry but still reaches the state cache,
// which keeps its own latest value per device.
func (d *Dispatcher) handleTelemetry(topic string, payload []byte, receivedAt time.Time) error {
	regErr := d.registry.HandleMessage(device.Message{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: receivedAt,
	})
	switch {
	case errors.Is(regErr, device.ErrRateLimited):
		if d.metrics != nil {
			d.metrics.RateLimited()
		}
	case errors.Is(regErr, device.ErrInvalidTopic):
		d.logger.Debug("ignoring topic without device identity", "topic", topic)
		regErr = nil
	}

	if d.state != nil {
		if _, err := d.state.HandleMessage(d.ctx, topic, payload, receivedAt); err != nil {
			return errors.Join(regErr, err)
		}
	}
	return regErr
}

// HandleDeviceEvent is registered with the device registry. Offline
// transitions raise a high alert; every change is queued for heartbeat
// persistence and pushed to realtime clients.
func (d *Dispatcher) HandleDeviceEvent(ev device.Event) {
	switch ev.Type {
	case device.EventDeviceOffline:
		if d.alerts != nil {
			msg := fmt.Sprintf("Device %s went offline", ev.Device.ID)
			if _, err := d.alerts.Raise(alert.SeverityHigh, msg, alert.RefFor(ev.Device)); err != nil {
				d.logger.Error("failed to raise offline alert", "device", ev.Device.ID, "error", err)
			}
		}
		d.recordHeartbeat(ev.Device, d.now())
	case device.EventDeviceUpdated:
		d.recordHeartbeat(ev.Device, ev.Device.LastSeen)
	}

	if d.broadcaster != nil {
		d.broadcaster.BroadcastDeviceEvent(ev)
	}
}

func (d *Dispatcher) recordHeartbeat(rec device.Record, ts time.Time) {
	if rec.Status != device.StatusOnline && rec.Status != device.StatusOffline {
		return
	}
	if d.heartbeats != nil {
		d.heartbeats.Queue(rec)
	}
	online := rec.Status == device.StatusOnline
	for _, r := range d.recorders {
		r.WriteHeartbeat(rec.ID, rec.RoomID, online, rec.HealthScore, ts)
	}
}

// Close rejects further messages and cancels the context handed to
// registration and state lookups still in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
}
