package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockLookup struct {
	mu    sync.Mutex
	calls int
	res   Resolution
	found bool
	err   error
}

func (m *mockLookup) LookupDevice(context.Context, DeviceRef) (Resolution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.res, m.found, m.err
}

func (m *mockLookup) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestCachingResolver_CachesHits(t *testing.T) {
	lookup := &mockLookup{res: Resolution{DeviceID: "light_sensor", DBID: "d1"}, found: true}
	r := NewCachingResolver(lookup)
	ref := DeviceRef{Room: "clockwork", Controller: "pilot", Device: "teensy", Sensor: "Lux"}

	for range 3 {
		res, ok := r.Resolve(context.Background(), ref)
		if !ok || res.DeviceID != "light_sensor" {
			t.Fatalf("Resolve() = %+v, %v", res, ok)
		}
	}
	if lookup.count() != 1 {
		t.Errorf("lookups = %d, want 1", lookup.count())
	}

	// Same device, different sensor.
	ref.Sensor = "Temp"
	r.Resolve(context.Background(), ref)
	if lookup.count() != 2 {
		t.Errorf("lookups = %d, want 2", lookup.count())
	}
}

func TestCachingResolver_MissesExpire(t *testing.T) {
	lookup := &mockLookup{}
	r := NewCachingResolver(lookup)
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ref := DeviceRef{Room: "clockwork", Controller: "pilot", Device: "teensy"}

	if _, ok := r.Resolve(context.Background(), ref); ok {
		t.Fatal("Resolve() found a device")
	}
	r.Resolve(context.Background(), ref)
	if lookup.count() != 1 {
		t.Fatalf("lookups = %d, want 1 within TTL", lookup.count())
	}

	now = now.Add(negativeTTL)
	lookup.mu.Lock()
	lookup.res, lookup.found = Resolution{DeviceID: "teensy", DBID: "d9"}, true
	lookup.mu.Unlock()

	if res, ok := r.Resolve(context.Background(), ref); !ok || res.DBID != "d9" {
		t.Errorf("Resolve() after TTL = %+v, %v", res, ok)
	}
}

func TestCachingResolver_ErrorsNotCached(t *testing.T) {
	lookup := &mockLookup{err: errors.New("database is locked")}
	r := NewCachingResolver(lookup)
	ref := DeviceRef{Room: "clockwork", Controller: "pilot", Device: "teensy"}

	r.Resolve(context.Background(), ref)
	r.Resolve(context.Background(), ref)
	if lookup.count() != 2 {
		t.Errorf("lookups = %d, want 2", lookup.count())
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestCachingResolver_CachedNeverQueries(t *testing.T) {
	lookup := &mockLookup{res: Resolution{DeviceID: "light_sensor", DBID: "d1"}, found: true}
	r := NewCachingResolver(lookup)
	ref := DeviceRef{Room: "clockwork", Controller: "pilot", Device: "teensy", Sensor: "Lux"}

	if _, ok := r.Cached(ref); ok {
		t.Fatal("Cached() hit before any lookup")
	}
	if lookup.count() != 0 {
		t.Fatalf("lookups = %d, want 0", lookup.count())
	}

	r.Resolve(context.Background(), ref)
	if res, ok := r.Cached(ref); !ok || res.DBID != "d1" {
		t.Errorf("Cached() = %+v, %v", res, ok)
	}

	// Remembered misses are not reported as hits.
	miss := DeviceRef{Room: "clockwork", Controller: "pilot", Device: "ghost"}
	lookup.mu.Lock()
	lookup.found = false
	lookup.mu.Unlock()
	r.Resolve(context.Background(), miss)
	if _, ok := r.Cached(miss); ok {
		t.Error("Cached() reported a remembered miss")
	}
}

func TestCachingResolver_Forget(t *testing.T) {
	lookup := &mockLookup{}
	r := NewCachingResolver(lookup)
	ref := DeviceRef{Room: "clockwork", Controller: "pilot", Device: "teensy"}

	if _, ok := r.Resolve(context.Background(), ref); ok {
		t.Fatal("Resolve() found an unregistered device")
	}

	// The device registers within the negative TTL.
	lookup.mu.Lock()
	lookup.res, lookup.found = Resolution{DeviceID: "teensy", DBID: "d3"}, true
	lookup.mu.Unlock()
	r.Forget()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Forget", r.Len())
	}
	if res, ok := r.Resolve(context.Background(), ref); !ok || res.DBID != "d3" {
		t.Errorf("Resolve() after Forget = %+v, %v", res, ok)
	}
}

func TestSnakeCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"lux", "lux"},
		{"Lux", "lux"},
		{"valvePSI", "valve_psi"},
		{"valve_psi", "valve_psi"},
		{"Valve PSI", "valve_psi"},
		{"temp2Reading", "temp2_reading"},
		{"light-level", "light_level"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := snakeCase(tt.in); got != tt.want {
				t.Errorf("snakeCase(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
