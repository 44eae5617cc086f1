package device

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// eventRecorder collects registry events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *eventRecorder) {
	t.Helper()
	reg := NewRegistry(Options{HeartbeatTimeout: 5 * time.Second})
	rec := &eventRecorder{}
	reg.OnEvent(rec.handle)
	return reg, rec
}

func send(t *testing.T, reg *Registry, topic, payload string, at time.Time) {
	t.Helper()
	if err := reg.HandleMessage(Message{Topic: topic, Payload: []byte(payload), ReceivedAt: at}); err != nil {
		t.Fatalf("HandleMessage(%q) error = %v", topic, err)
	}
}

func TestRegistry_FirstContactCreatesRecord(t *testing.T) {
	reg, events := newTestRegistry(t)

	send(t, reg, "paragon/Clockwork/Pilotlight/Relay1/status", `{"fw":"1.2.0"}`, baseTime)

	got, err := reg.GetDevice("clockwork/pilotlight/relay1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.CanonicalID != "clockwork/pilotlight/relay1" {
		t.Errorf("CanonicalID = %q", got.CanonicalID)
	}
	if got.RoomID != "Clockwork" || got.PuzzleID != "Pilotlight" {
		t.Errorf("RoomID/PuzzleID = %q/%q", got.RoomID, got.PuzzleID)
	}
	if got.Status != StatusOnline {
		t.Errorf("Status = %q, want online", got.Status)
	}
	if got.HealthScore != MaxHealth {
		t.Errorf("HealthScore = %d, want %d", got.HealthScore, MaxHealth)
	}
	if got.Category != DefaultCategory {
		t.Errorf("Category = %q, want %q", got.Category, DefaultCategory)
	}
	if got.FirmwareVersion != "1.2.0" || got.Metadata["firmwareVersion"] != "1.2.0" {
		t.Errorf("firmware not recorded: %q / %v", got.FirmwareVersion, got.Metadata["firmwareVersion"])
	}
	if events.count(EventDeviceOnline) != 1 || events.count(EventDeviceUpdated) != 1 {
		t.Errorf("events online=%d updated=%d, want 1 and 1",
			events.count(EventDeviceOnline), events.count(EventDeviceUpdated))
	}
}

func TestRegistry_NonJSONPayloadIsLivenessOnly(t *testing.T) {
	reg, _ := newTestRegistry(t)

	send(t, reg, "clockwork/pilotlight/relay1/heartbeat", "ping", baseTime)

	got, err := reg.GetDevice("clockwork/pilotlight/relay1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Status != StatusOnline || !got.LastSeen.Equal(baseTime) {
		t.Errorf("liveness not applied: status=%s lastSeen=%v", got.Status, got.LastSeen)
	}
	if len(got.Metrics) != 0 || len(got.Sensors) != 0 {
		t.Errorf("non-JSON payload should not add samples")
	}
	if got.Metadata["status"] != "online" {
		t.Errorf("metadata status = %v, want online", got.Metadata["status"])
	}
}

func TestRegistry_InvalidTopic(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.HandleMessage(Message{Topic: "", ReceivedAt: baseTime})
	if !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("HandleMessage(empty) error = %v, want ErrInvalidTopic", err)
	}
}

func TestRegistry_UniqueIDConvergence(t *testing.T) {
	tests := []struct {
		name string
		msgs []struct{ topic, payload string }
	}{
		{
			name: "uniqueId first then topic only",
			msgs: []struct{ topic, payload string }{
				{"paragon/clockwork/pilotlight/relay1/status", `{"uniqueId":"TEENSY-42"}`},
				{"paragon/clockwork/pilotlight/relay1/status", `{"state":"solved"}`},
			},
		},
		{
			name: "topic only then uniqueId",
			msgs: []struct{ topic, payload string }{
				{"paragon/clockwork/pilotlight/relay1/status", `{"state":"idle"}`},
				{"paragon/clockwork/pilotlight/relay1/status", `{"uid":"teensy-42"}`},
			},
		},
		{
			name: "two topics one uniqueId",
			msgs: []struct{ topic, payload string }{
				{"paragon/clockwork/pilotlight/relay1/status", `{"metadata":{"uniqueId":"teensy-42"}}`},
				{"paragon/clockwork/panel/relay1/status", `{"uniqueId":"teensy-42"}`},
				{"paragon/clockwork/pilotlight/relay1/status", `{}`},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			for i, m := range tt.msgs {
				send(t, reg, m.topic, m.payload, baseTime.Add(time.Duration(i)*100*time.Millisecond))
			}

			if reg.Len() != 1 {
				t.Fatalf("Len() = %d, want exactly one record", reg.Len())
			}
			got, err := reg.GetDevice("teensy-42")
			if err != nil {
				t.Fatalf("GetDevice(uniqueId) error = %v", err)
			}
			if got.UniqueID != "teensy-42" {
				t.Errorf("UniqueID = %q, want lower-cased teensy-42", got.UniqueID)
			}
		})
	}
}

func TestRegistry_ReKeyCarriesHistory(t *testing.T) {
	reg, _ := newTestRegistry(t)

	send(t, reg, "clockwork/pilotlight/relay1/sensors/Lux", `{"lux":120}`, baseTime)
	send(t, reg, "clockwork/pilotlight/relay1/status", `{"uniqueId":"abc"}`, baseTime.Add(time.Second))

	got, err := reg.GetDevice("abc")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if len(got.Sensors) != 1 || got.Sensors[0].Name != "lux" {
		t.Fatalf("sensors after re-key = %+v, want the lux sample", got.Sensors)
	}
	if !got.FirstSeen.Equal(baseTime) {
		t.Errorf("FirstSeen = %v, want %v", got.FirstSeen, baseTime)
	}
	if len(got.RawTopics) != 2 {
		t.Errorf("RawTopics = %v, want both topics", got.RawTopics)
	}
}

func TestRegistry_FoldsCanonicalIntoExistingUniqueRecord(t *testing.T) {
	reg, _ := newTestRegistry(t)

	send(t, reg, "clockwork/a/relay1/status", `{"uniqueId":"abc"}`, baseTime)
	send(t, reg, "clockwork/b/relay1/metrics/power", `{"watts":12}`, baseTime.Add(time.Second))
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 before merge", reg.Len())
	}

	send(t, reg, "clockwork/b/relay1/status", `{"uniqueId":"abc"}`, baseTime.Add(2*time.Second))

	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after merge", reg.Len())
	}
	got, err := reg.GetDevice("abc")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if len(got.Metrics) != 1 || got.Metrics[0].Unit != "power" {
		t.Errorf("metrics = %+v, want folded power sample", got.Metrics)
	}
}

func TestRegistry_TopicReusedByOtherHardwareKeepsBothRecords(t *testing.T) {
	tests := []struct {
		name   string
		msgs   []struct{ topic, payload string }
		wantID string
	}{
		{
			name: "new uniqueId already known elsewhere",
			msgs: []struct{ topic, payload string }{
				{"clockwork/pilot/relay1/status", `{"uniqueId":"AAA"}`},
				{"clockwork/panel/relay2/status", `{"uniqueId":"BBB"}`},
				{"clockwork/pilot/relay1/status", `{"uniqueId":"BBB"}`},
			},
			wantID: "bbb",
		},
		{
			name: "new uniqueId never seen",
			msgs: []struct{ topic, payload string }{
				{"clockwork/pilot/relay1/status", `{"uniqueId":"AAA"}`},
				{"clockwork/panel/relay2/status", `{"uniqueId":"BBB"}`},
				{"clockwork/pilot/relay1/status", `{"uniqueId":"CCC"}`},
			},
			wantID: "ccc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			send(t, reg, "clockwork/pilot/relay1/metrics/power", `{"watts":12}`, baseTime)
			for i, m := range tt.msgs {
				send(t, reg, m.topic, m.payload, baseTime.Add(time.Duration(i+1)*100*time.Millisecond))
			}

			original, err := reg.GetDevice("aaa")
			if err != nil {
				t.Fatalf("GetDevice(aaa) error = %v, want the original hardware kept", err)
			}
			if original.UniqueID != "aaa" || len(original.Metrics) != 1 {
				t.Errorf("original record = %+v, want its uniqueId and history intact", original)
			}
			if _, err := reg.GetDevice("bbb"); err != nil {
				t.Errorf("GetDevice(bbb) error = %v", err)
			}

			current, err := reg.GetDevice("clockwork/pilot/relay1")
			if err != nil {
				t.Fatalf("GetDevice(topic) error = %v", err)
			}
			if current.UniqueID != tt.wantID {
				t.Errorf("topic resolves to %q, want %q", current.UniqueID, tt.wantID)
			}
			wantLen := 2
			if tt.wantID == "ccc" {
				wantLen = 3
			}
			if reg.Len() != wantLen {
				t.Errorf("Len() = %d, want %d", reg.Len(), wantLen)
			}
		})
	}
}

func TestRegistry_AliasLookup(t *testing.T) {
	reg, _ := newTestRegistry(t)
	send(t, reg, "clockwork/pilotlight/relay1/status", `{"uniqueId":"abc"}`, baseTime)

	for _, id := range []string{"abc", "ABC", "clockwork/pilotlight/relay1", "Clockwork/PilotLight/Relay1"} {
		if _, err := reg.GetDevice(id); err != nil {
			t.Errorf("GetDevice(%q) error = %v", id, err)
		}
	}

	if err := reg.RemoveDevice("clockwork/pilotlight/relay1"); err != nil {
		t.Fatalf("RemoveDevice(canonical) error = %v", err)
	}
	if _, err := reg.GetDevice("abc"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice after remove error = %v, want ErrDeviceNotFound", err)
	}
	if err := reg.RemoveDevice("abc"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second RemoveDevice error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_HealthBounds(t *testing.T) {
	reg, _ := newTestRegistry(t)
	topic := "clockwork/pilotlight/relay1/status"
	cmd := Command{RoomID: "clockwork", PuzzleID: "pilotlight", DeviceID: "relay1", Command: "open"}

	send(t, reg, topic, `{}`, baseTime)
	for i := 0; i < 10; i++ {
		if !reg.MarkCommandError(cmd) {
			t.Fatal("MarkCommandError() = false, want true")
		}
	}
	got, _ := reg.GetDevice("clockwork/pilotlight/relay1")
	if got.HealthScore != MinHealth {
		t.Errorf("HealthScore = %d, want floor %d", got.HealthScore, MinHealth)
	}
	if got.ErrorCount != 10 {
		t.Errorf("ErrorCount = %d, want 10", got.ErrorCount)
	}

	for i := 0; i < 30; i++ {
		send(t, reg, topic, `{}`, baseTime.Add(time.Duration(i+1)*time.Second))
	}
	got, _ = reg.GetDevice("clockwork/pilotlight/relay1")
	if got.HealthScore != MaxHealth {
		t.Errorf("HealthScore = %d, want ceiling %d", got.HealthScore, MaxHealth)
	}
}

func TestRegistry_MarkCommandErrorUnknownDevice(t *testing.T) {
	reg, events := newTestRegistry(t)
	if reg.MarkCommandError(Command{RoomID: "x", DeviceID: "y"}) {
		t.Error("MarkCommandError() on unknown device = true")
	}
	if len(events.events) != 0 {
		t.Errorf("events = %d, want none", len(events.events))
	}
}

func TestRegistry_HealthSweepOnePerOutage(t *testing.T) {
	reg, events := newTestRegistry(t)
	send(t, reg, "clockwork/pilotlight/relay1/status", `{}`, baseTime)
	events.reset()

	if n := reg.PerformHealthSweep(baseTime.Add(5 * time.Second)); n != 0 {
		t.Fatalf("sweep at exactly the timeout transitioned %d records", n)
	}

	later := baseTime.Add(6 * time.Second)
	if n := reg.PerformHealthSweep(later); n != 1 {
		t.Fatalf("first sweep transitioned %d, want 1", n)
	}
	if n := reg.PerformHealthSweep(later.Add(10 * time.Second)); n != 0 {
		t.Fatalf("second sweep transitioned %d, want 0", n)
	}

	if events.count(EventDeviceOffline) != 1 {
		t.Errorf("device-offline events = %d, want 1", events.count(EventDeviceOffline))
	}
	got, _ := reg.GetDevice("clockwork/pilotlight/relay1")
	if got.Status != StatusOffline {
		t.Errorf("Status = %s, want offline", got.Status)
	}
	if got.HealthScore != MaxHealth-HealthOfflinePenalty {
		t.Errorf("HealthScore = %d, want %d", got.HealthScore, MaxHealth-HealthOfflinePenalty)
	}

	// Recovery starts a new outage window.
	send(t, reg, "clockwork/pilotlight/relay1/status", `{}`, later.Add(20*time.Second))
	reg.PerformHealthSweep(later.Add(30 * time.Second))
	if events.count(EventDeviceOffline) != 2 {
		t.Errorf("device-offline events after second outage = %d, want 2", events.count(EventDeviceOffline))
	}
}

func TestRegistry_ExplicitStatus(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		wantStatus   Status
		wantEvent    EventType
		wantLastSeen bool
		wantPuzzle   string
	}{
		{"offline report", `{"status":"offline"}`, StatusOffline, EventDeviceOffline, false, ""},
		{"offline upper case", `{"status":"OFFLINE"}`, StatusOffline, EventDeviceOffline, false, ""},
		{"degraded report", `{"status":"degraded"}`, StatusDegraded, EventDeviceUpdated, true, ""},
		{"online report", `{"status":"online"}`, StatusOnline, EventDeviceUpdated, true, ""},
		{"puzzle status in status field", `{"status":"solved"}`, StatusOnline, EventDeviceUpdated, true, "solved"},
		{"puzzle status via state", `{"state":"  active  "}`, StatusOnline, EventDeviceUpdated, true, "active"},
		{"puzzle status in metadata", `{"metadata":{"puzzleStatus":"reset"}}`, StatusOnline, EventDeviceUpdated, true, "reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, events := newTestRegistry(t)
			topic := "clockwork/pilotlight/relay1/status"
			send(t, reg, topic, `{}`, baseTime)
			events.reset()

			at := baseTime.Add(time.Second)
			send(t, reg, topic, tt.payload, at)

			if events.count(tt.wantEvent) != 1 || len(events.events) != 1 {
				t.Fatalf("events = %+v, want exactly one %s", events.events, tt.wantEvent)
			}
			got, _ := reg.GetDevice("clockwork/pilotlight/relay1")
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.LastSeen.Equal(at) != tt.wantLastSeen {
				t.Errorf("LastSeen = %v, bumped=%v", got.LastSeen, tt.wantLastSeen)
			}
			if got.PuzzleStatus != tt.wantPuzzle {
				t.Errorf("PuzzleStatus = %q, want %q", got.PuzzleStatus, tt.wantPuzzle)
			}
			if tt.wantPuzzle != "" {
				if got.PuzzleStatusUpdatedAt == nil || !got.PuzzleStatusUpdatedAt.Equal(at) {
					t.Errorf("PuzzleStatusUpdatedAt = %v, want %v", got.PuzzleStatusUpdatedAt, at)
				}
				if got.Metadata["state"] != tt.wantPuzzle {
					t.Errorf("metadata state = %v", got.Metadata["state"])
				}
			}
		})
	}
}

func TestRegistry_RepeatedOfflineReportEmitsUpdated(t *testing.T) {
	reg, events := newTestRegistry(t)
	topic := "clockwork/pilotlight/relay1/status"
	send(t, reg, topic, `{"status":"offline"}`, baseTime)
	events.reset()

	send(t, reg, topic, `{"status":"offline"}`, baseTime.Add(time.Second))
	if events.count(EventDeviceOffline) != 0 || events.count(EventDeviceUpdated) != 1 {
		t.Errorf("events = %+v, want a single device-updated", events.events)
	}
}

func TestRegistry_SensorTopicFlatPayload(t *testing.T) {
	reg, events := newTestRegistry(t)

	send(t, reg, "paragon/clockwork/pilotlight/lightsensor/sensors/Lux", `{"lux":127,"ts":999}`, baseTime)

	got, err := reg.GetDevice("clockwork/pilotlight/lightsensor")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if len(got.Sensors) != 1 {
		t.Fatalf("Sensors = %+v, want exactly one sample", got.Sensors)
	}
	s := got.Sensors[0]
	if s.Name != "lux" || s.Value != 127.0 || s.SensorType != "Lux" {
		t.Errorf("sample = %+v", s)
	}
	if ev := events.last(); ev.Type != EventDeviceUpdated || ev.Message == nil {
		t.Errorf("last event = %s with message %v", ev.Type, ev.Message)
	}
}

func TestRegistry_MetricsAndSensorArrays(t *testing.T) {
	reg, _ := newTestRegistry(t)

	send(t, reg, "clockwork/pilotlight/relay1/telemetry",
		`{"metrics":[{"name":"uptime","value":12,"unit":"s"},{"id":"rssi","data":-60}],"sensors":[{"name":"door","reading":1},{"id":"hall"}]}`,
		baseTime)

	got, _ := reg.GetDevice("clockwork/pilotlight/relay1")
	if len(got.Metrics) != 2 || got.Metrics[0].Unit != "s" || got.Metrics[1].Name != "rssi" || got.Metrics[1].Value != -60.0 {
		t.Errorf("Metrics = %+v", got.Metrics)
	}
	if len(got.Sensors) != 2 || got.Sensors[0].Value != 1.0 {
		t.Errorf("Sensors = %+v", got.Sensors)
	}
	if whole, ok := got.Sensors[1].Value.(map[string]any); !ok || whole["id"] != "hall" {
		t.Errorf("sensor without value should keep the whole entry, got %#v", got.Sensors[1].Value)
	}
	for _, m := range got.Metrics {
		if !m.RecordedAt.Equal(baseTime) {
			t.Errorf("metric RecordedAt = %v, want receive time", m.RecordedAt)
		}
	}
}

func TestRegistry_LabelsMergedIntoMetadata(t *testing.T) {
	reg, _ := newTestRegistry(t)
	send(t, reg, "clockwork/pilotlight/relay1/status",
		`{"displayName":"Relay One","hw":"teensy41","roomLabel":"Clockwork","pz":"Pilot Light","metadata":{"zone":"north"}}`,
		baseTime)

	got, _ := reg.GetDevice("clockwork/pilotlight/relay1")
	want := map[string]any{
		"displayName": "Relay One",
		"hardware":    "teensy41",
		"roomLabel":   "Clockwork",
		"puzzleId":    "Pilot Light",
		"zone":        "north",
	}
	for k, v := range want {
		if got.Metadata[k] != v {
			t.Errorf("metadata[%q] = %v, want %v", k, got.Metadata[k], v)
		}
	}
	if got.DisplayName != "Relay One" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}
}

func TestRegistry_RawTopicsDeduplicated(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		send(t, reg, "clockwork/pilotlight/relay1/status", `{}`, baseTime.Add(time.Duration(i)*time.Second))
	}
	got, _ := reg.GetDevice("clockwork/pilotlight/relay1")
	if len(got.RawTopics) != 1 {
		t.Errorf("RawTopics = %v, want one entry", got.RawTopics)
	}
}

func TestRegistry_RateLimit(t *testing.T) {
	reg := NewRegistry(Options{RateLimit: 5})
	topic := "clockwork/pilotlight/relay1/status"

	admitted := 0
	for i := 0; i < 20; i++ {
		err := reg.HandleMessage(Message{Topic: topic, Payload: []byte(`{}`), ReceivedAt: baseTime.Add(time.Duration(i) * 10 * time.Millisecond)})
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrRateLimited):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if admitted != 5 {
		t.Errorf("admitted = %d, want 5", admitted)
	}

	if err := reg.HandleMessage(Message{Topic: topic, ReceivedAt: baseTime.Add(time.Second)}); err != nil {
		t.Errorf("message in next window error = %v", err)
	}
}

func TestRegistry_ListDevicesTrimsHistory(t *testing.T) {
	reg := NewRegistry(Options{RateLimit: 1000})
	for i := 0; i < 150; i++ {
		payload := fmt.Sprintf(`{"temp":%d}`, i)
		send(t, reg, "clockwork/pilotlight/thermo/sensors/temperature", payload, baseTime.Add(time.Duration(i)*time.Millisecond))
	}

	full, _ := reg.GetDevice("clockwork/pilotlight/thermo")
	if len(full.Sensors) != DefaultHistoryLimit {
		t.Errorf("stored sensors = %d, want cap %d", len(full.Sensors), DefaultHistoryLimit)
	}

	list := reg.ListDevices()
	if len(list) != 1 {
		t.Fatalf("ListDevices() len = %d", len(list))
	}
	if len(list[0].Sensors) != ListHistoryLimit {
		t.Errorf("listed sensors = %d, want %d", len(list[0].Sensors), ListHistoryLimit)
	}
	if list[0].Sensors[ListHistoryLimit-1].Value != 149.0 {
		t.Errorf("newest sample = %v, want 149", list[0].Sensors[ListHistoryLimit-1].Value)
	}
	if list[0].ID != "clockwork/pilotlight/thermo" {
		t.Errorf("listed ID = %q, want canonical", list[0].ID)
	}
}

func TestRegistry_Summary(t *testing.T) {
	reg, _ := newTestRegistry(t)
	send(t, reg, "r/p/a/status", `{}`, baseTime)
	send(t, reg, "r/p/b/status", `{"status":"degraded"}`, baseTime)
	send(t, reg, "r/p/c/status", `{"status":"offline"}`, baseTime)

	want := Summary{Total: 3, Online: 1, Offline: 1, Degraded: 1}
	if got := reg.Summary(); got != want {
		t.Errorf("Summary() = %+v, want %+v", got, want)
	}
}

func TestRegistry_ReturnedRecordsAreCopies(t *testing.T) {
	reg, _ := newTestRegistry(t)
	send(t, reg, "r/p/a/status", `{"metadata":{"nested":{"k":"v"}}}`, baseTime)

	got, _ := reg.GetDevice("r/p/a")
	got.Metadata["nested"].(map[string]any)["k"] = "changed"
	got.RawTopics[0] = "mutated"

	again, _ := reg.GetDevice("r/p/a")
	if again.Metadata["nested"].(map[string]any)["k"] != "v" || again.RawTopics[0] != "r/p/a/status" {
		t.Error("mutating a returned record changed registry state")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(Options{RateLimit: 10000})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				topic := fmt.Sprintf("room/puzzle/dev%d/status", i%10)
				_ = reg.HandleMessage(Message{Topic: topic, Payload: []byte(`{}`), ReceivedAt: baseTime})
				reg.ListDevices()
				reg.PerformHealthSweep(baseTime.Add(time.Duration(g) * time.Second))
			}
		}(g)
	}
	wg.Wait()

	if reg.Len() != 10 {
		t.Errorf("Len() = %d, want 10", reg.Len())
	}
}
