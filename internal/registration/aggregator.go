package registration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds how long a registration waits for its devices.
const DefaultTimeout = 10 * time.Second

// finalizeTimeout bounds the database work of one finalize pass.
const finalizeTimeout = 30 * time.Second

// Logger defines the logging interface used by the Aggregator.
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

// Store persists finalized registrations.
type Store interface {
	SaveRegistration(ctx context.Context, reg Registration) (Result, error)
}

// Result describes what a finalize pass wrote.
type Result struct {
	ControllerDBID string
	RoomDBID       string
	Devices        int
	Commands       int
}

// Trigger names what caused a finalize pass.
type Trigger string

// Finalize triggers.
const (
	TriggerComplete Trigger = "complete"
	TriggerTimeout  Trigger = "timeout"
	TriggerLegacy   Trigger = "legacy"
)

// Outcome is reported to the finalize hook after every pass.
type Outcome struct {
	ControllerID string
	Trigger      Trigger
	Expected     int
	Received     int
	Result       Result
	Err          error
}

type pending struct {
	controller ControllerMessage
	devices    map[int]DeviceMessage
	expected   int
	createdAt  time.Time
	timer      *time.Timer
}

// Aggregator buffers split registrations per controller until they are
// complete or time out.
//
// The message handlers never touch the store. A registration that becomes
// complete is claimed under the lock and persisted on a goroutine owned by
// the aggregator; timeouts persist on the timer's goroutine. Either way the
// result, including any error, is logged and reported to the finalize hook.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	store   Store
	timeout time.Duration
	now     func() time.Time

	// wg tracks every pass between claim and hook.
	wg sync.WaitGroup

	hookMu     sync.RWMutex
	onFinalize func(Outcome)

	logger Logger
}

// NewAggregator creates an aggregator writing to store. A non-positive
// timeout uses DefaultTimeout.
func NewAggregator(store Store, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{
		pending: make(map[string]*pending),
		store:   store,
		timeout: timeout,
		now:     time.Now,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the aggregator.
func (a *Aggregator) SetLogger(logger Logger) {
	a.logger = logger
}

// OnFinalize registers a hook invoked after every finalize pass.
func (a *Aggregator) OnFinalize(fn func(Outcome)) {
	a.hookMu.Lock()
	a.onFinalize = fn
	a.hookMu.Unlock()
}

// HandleController starts a registration. A pending registration for the
// same controller is discarded. A declared device count of zero finalizes
// immediately. The only error is ErrClosed.
func (a *Aggregator) HandleController(ctx context.Context, msg ControllerMessage) error {
	expected := 0
	if msg.DeviceCount != nil {
		expected = max(*msg.DeviceCount, 0)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if old, ok := a.pending[msg.ControllerID]; ok {
		old.timer.Stop()
		delete(a.pending, msg.ControllerID)
		a.logger.Warn("controller already has pending registration, restarting",
			"controller_id", msg.ControllerID,
			"received", len(old.devices),
		)
	}

	p := &pending{
		controller: msg,
		devices:    make(map[int]DeviceMessage),
		expected:   expected,
		createdAt:  a.now(),
	}
	controllerID := msg.ControllerID
	p.timer = time.AfterFunc(a.timeout, func() { a.expire(controllerID, p) })
	a.pending[controllerID] = p
	a.mu.Unlock()

	a.logger.Info("controller registration received",
		"controller_id", msg.ControllerID,
		"room_id", msg.RoomID,
		"device_count", expected,
	)

	if msg.DeviceCount != nil && expected == 0 {
		a.finalizeAsync(ctx, controllerID, p)
	}
	return nil
}

// HandleDevice adds a device to its controller's pending registration and
// finalizes once the expected count is reached. Devices for controllers with
// nothing pending are logged and dropped.
func (a *Aggregator) HandleDevice(ctx context.Context, msg DeviceMessage) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	p, ok := a.pending[msg.ControllerID]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("device registration received before controller registration, ignoring",
			"controller_id", msg.ControllerID,
			"device_id", msg.DeviceID,
		)
		return nil
	}

	if IsPseudoDevice(msg) {
		p.expected = max(p.expected-1, 0)
		adjusted := p.expected
		done := len(p.devices) >= adjusted
		a.mu.Unlock()

		a.logger.Info("ignoring pseudo-device registration for controller",
			"controller_id", msg.ControllerID,
			"device_id", msg.DeviceID,
			"adjusted_expected", adjusted,
		)
		if done {
			a.finalizeAsync(ctx, msg.ControllerID, p)
		}
		return nil
	}

	p.devices[msg.Index()] = msg
	received, expected := len(p.devices), p.expected
	a.mu.Unlock()

	a.logger.Debug("device added to pending registration",
		"controller_id", msg.ControllerID,
		"device_id", msg.DeviceID,
		"received", received,
		"expected", expected,
	)

	if received >= expected {
		a.finalizeAsync(ctx, msg.ControllerID, p)
	}
	return nil
}

// HandleLegacy stores a combined registration directly. Any split
// registration pending for the same controller is discarded.
func (a *Aggregator) HandleLegacy(ctx context.Context, reg Registration) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if old, ok := a.pending[reg.Controller.ControllerID]; ok {
		old.timer.Stop()
		delete(a.pending, reg.Controller.ControllerID)
	}
	a.wg.Add(1)
	a.mu.Unlock()

	devices := make([]DeviceMessage, 0, len(reg.Devices))
	for _, d := range reg.Devices {
		if !IsPseudoDevice(d) {
			devices = append(devices, d)
		}
	}
	reg.Devices = devices

	go func() {
		defer a.wg.Done()
		a.save(context.WithoutCancel(ctx), reg, TriggerLegacy, len(devices))
	}()
	return nil
}

// expire runs on the timer goroutine.
func (a *Aggregator) expire(controllerID string, p *pending) {
	reg, expected, ok := a.claim(controllerID, p)
	if !ok {
		return
	}
	defer a.wg.Done()

	a.logger.Warn("registration timeout, finalizing with partial device list",
		"controller_id", controllerID,
		"expected", expected,
		"received", len(reg.Devices),
	)
	a.save(context.Background(), reg, TriggerTimeout, expected)
}

// finalizeAsync claims p and persists it in the background. The caller's
// context is used for its values only; cancelling it does not abort the
// write.
func (a *Aggregator) finalizeAsync(ctx context.Context, controllerID string, p *pending) {
	reg, expected, ok := a.claim(controllerID, p)
	if !ok {
		return
	}
	go func() {
		defer a.wg.Done()
		a.save(context.WithoutCancel(ctx), reg, TriggerComplete, expected)
	}()
}

// claim removes p from the pending set. Only one caller can claim a given
// entry, and none after Close. A successful claim adds to wg; the caller
// must call wg.Done once the pass is reported.
func (a *Aggregator) claim(controllerID string, p *pending) (Registration, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.pending[controllerID] != p {
		return Registration{}, 0, false
	}
	delete(a.pending, controllerID)
	p.timer.Stop()
	a.wg.Add(1)
	return Registration{Controller: p.controller, Devices: sortedDevices(p.devices)}, p.expected, true
}

// save persists reg and reports the outcome through the log and the hook.
func (a *Aggregator) save(ctx context.Context, reg Registration, trigger Trigger, expected int) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	res, err := a.store.SaveRegistration(ctx, reg)
	out := Outcome{
		ControllerID: reg.Controller.ControllerID,
		Trigger:      trigger,
		Expected:     expected,
		Received:     len(reg.Devices),
		Result:       res,
		Err:          err,
	}

	if err != nil {
		err = fmt.Errorf("finalizing registration for %s: %w", reg.Controller.ControllerID, err)
		out.Err = err
		a.logger.Error("failed to finalize registration",
			"controller_id", reg.Controller.ControllerID,
			"trigger", string(trigger),
			"error", err,
		)
	} else {
		a.logger.Info("registration complete",
			"controller_id", reg.Controller.ControllerID,
			"controller_db_id", res.ControllerDBID,
			"devices", res.Devices,
			"commands", res.Commands,
			"trigger", string(trigger),
		)
	}

	a.hookMu.RLock()
	hook := a.onFinalize
	a.hookMu.RUnlock()
	if hook != nil {
		hook(out)
	}
}

// Pending returns the controller ids with registrations in flight, sorted.
func (a *Aggregator) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every pending timer, discards incomplete registrations and
// waits for finalize passes already claimed to be written and reported.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for id, p := range a.pending {
		p.timer.Stop()
		delete(a.pending, id)
		a.logger.Warn("discarding pending registration on shutdown",
			"controller_id", id,
			"received", len(p.devices),
			"age", a.now().Sub(p.createdAt),
		)
	}
	a.mu.Unlock()

	a.wg.Wait()
}
