// Package alert keeps a bounded in-memory list of operator alerts.
package alert

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/device-monitor/internal/device"
)

// DefaultCapacity is the number of alerts retained.
const DefaultCapacity = 50

// ErrInvalidSeverity is returned by Raise for an unknown severity.
var ErrInvalidSeverity = errors.New("alert: invalid severity")

// Severity ranks an alert.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// DeviceRef is the device snapshot attached to an alert.
type DeviceRef struct {
	ID       string        `json:"id"`
	RoomID   string        `json:"roomId,omitempty"`
	PuzzleID string        `json:"puzzleId,omitempty"`
	Status   device.Status `json:"status"`
}

// RefFor snapshots the identifying fields of rec.
func RefFor(rec device.Record) *DeviceRef {
	return &DeviceRef{ID: rec.ID, RoomID: rec.RoomID, PuzzleID: rec.PuzzleID, Status: rec.Status}
}

// Alert is one raised alert.
type Alert struct {
	ID             string     `json:"id"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Device         *DeviceRef `json:"device,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

func (a Alert) clone() Alert {
	cp := a
	if a.Device != nil {
		d := *a.Device
		cp.Device = &d
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	return cp
}

// EventType names an alert event.
type EventType string

// Alert events, matching the realtime envelope names.
const (
	EventRaised       EventType = "alert-raised"
	EventAcknowledged EventType = "alert-acknowledged"
)

// Event is emitted when an alert is raised or acknowledged.
type Event struct {
	Type  EventType
	Alert Alert
}

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Manager holds the most recent alerts. Older alerts are discarded once
// capacity is reached.
type Manager struct {
	mu       sync.RWMutex
	alerts   []Alert
	capacity int
	now      func() time.Time

	hookMu  sync.RWMutex
	onEvent []func(Event)

	logger Logger
}

// NewManager creates a manager retaining capacity alerts. A non-positive
// capacity uses DefaultCapacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{capacity: capacity, now: time.Now, logger: noopLogger{}}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// OnEvent registers a handler for alert events.
func (m *Manager) OnEvent(fn func(Event)) {
	m.hookMu.Lock()
	m.onEvent = append(m.onEvent, fn)
	m.hookMu.Unlock()
}

// Raise records a new alert and notifies listeners.
func (m *Manager) Raise(severity Severity, message string, ref *DeviceRef) (Alert, error) {
	if !severity.Valid() {
		return Alert{}, ErrInvalidSeverity
	}

	a := Alert{
		ID:        "alert-" + uuid.NewString(),
		Severity:  severity,
		Message:   message,
		Device:    ref,
		CreatedAt: m.now(),
	}.clone()

	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if over := len(m.alerts) - m.capacity; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
	out := a.clone()
	m.mu.Unlock()

	m.logger.Warn("alert raised",
		"alert_id", a.ID,
		"severity", string(severity),
		"message", message,
	)
	m.emit(Event{Type: EventRaised, Alert: out.clone()})
	return out, nil
}

// Acknowledge stamps the alert with id. Acknowledging twice keeps the first
// timestamp and does not notify again. ok is false for unknown ids.
func (m *Manager) Acknowledge(id string) (Alert, bool) {
	m.mu.Lock()
	idx := -1
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return Alert{}, false
	}

	first := m.alerts[idx].AcknowledgedAt == nil
	if first {
		now := m.now()
		m.alerts[idx].AcknowledgedAt = &now
	}
	out := m.alerts[idx].clone()
	m.mu.Unlock()

	if first {
		m.logger.Info("alert acknowledged", "alert_id", id)
		m.emit(Event{Type: EventAcknowledged, Alert: out.clone()})
	}
	return out, true
}

// List returns the retained alerts, oldest first.
func (m *Manager) List() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, len(m.alerts))
	for i, a := range m.alerts {
		out[i] = a.clone()
	}
	return out
}

func (m *Manager) emit(e Event) {
	m.hookMu.RLock()
	handlers := m.onEvent
	m.hookMu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}
