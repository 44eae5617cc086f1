package device

import "time"

// Status is the liveness state of a device record.
type Status string

// Device statuses.
const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
	StatusUnknown  Status = "unknown"
)

// ValidStatuses lists every status a device may report about itself.
var ValidStatuses = []Status{StatusOnline, StatusOffline, StatusDegraded, StatusUnknown}

// ParseStatus reports whether s names a known status.
func ParseStatus(s string) (Status, bool) {
	for _, st := range ValidStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Health score bounds and adjustments.
const (
	MaxHealth = 100
	MinHealth = 0

	// HealthRecovery is added on every liveness message.
	HealthRecovery = 5

	// HealthCommandPenalty is subtracted when a command to the device fails.
	HealthCommandPenalty = 25

	// HealthOfflinePenalty is subtracted when the health sweep marks a device offline.
	HealthOfflinePenalty = 75
)

// DefaultCategory is assigned to records created from telemetry.
const DefaultCategory = "other"

// Metric is a single named measurement reported by a device.
type Metric struct {
	Name       string    `json:"name"`
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Sensor is a single named sensor sample reported by a device.
type Sensor struct {
	Name       string    `json:"name"`
	Value      any       `json:"value"`
	SensorType string    `json:"sensorType,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Record is the live view of one physical device.
//
// ID and CanonicalID both hold the topic-derived key. The registry stores the
// record under the lower-cased UniqueID once one is known.
type Record struct {
	ID                    string         `json:"id"`
	CanonicalID           string         `json:"canonicalId"`
	UniqueID              string         `json:"uniqueId,omitempty"`
	RoomID                string         `json:"roomId,omitempty"`
	PuzzleID              string         `json:"puzzleId,omitempty"`
	Category              string         `json:"category"`
	Status                Status         `json:"status"`
	LastSeen              time.Time      `json:"lastSeen"`
	FirstSeen             time.Time      `json:"firstSeen"`
	ErrorCount            int            `json:"errorCount"`
	HealthScore           int            `json:"healthScore"`
	Metrics               []Metric       `json:"metrics"`
	Sensors               []Sensor       `json:"sensors"`
	Metadata              map[string]any `json:"metadata"`
	RawTopics             []string       `json:"rawTopics"`
	FirmwareVersion       string         `json:"firmwareVersion,omitempty"`
	DisplayName           string         `json:"displayName,omitempty"`
	PuzzleStatus          string         `json:"puzzleStatus,omitempty"`
	PuzzleStatusUpdatedAt *time.Time     `json:"puzzleStatusUpdatedAt,omitempty"`
}

// DeepCopy returns a copy of the record that shares no mutable state.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	cpy := *r
	cpy.Metrics = make([]Metric, len(r.Metrics))
	for i, m := range r.Metrics {
		m.Value = deepCopyValue(m.Value)
		cpy.Metrics[i] = m
	}
	cpy.Sensors = make([]Sensor, len(r.Sensors))
	for i, s := range r.Sensors {
		s.Value = deepCopyValue(s.Value)
		cpy.Sensors[i] = s
	}
	cpy.Metadata = deepCopyMap(r.Metadata)
	if cpy.Metadata == nil {
		cpy.Metadata = make(map[string]any)
	}
	cpy.RawTopics = append([]string(nil), r.RawTopics...)
	if r.PuzzleStatusUpdatedAt != nil {
		t := *r.PuzzleStatusUpdatedAt
		cpy.PuzzleStatusUpdatedAt = &t
	}
	return &cpy
}

// Summary counts records by status.
type Summary struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Offline  int `json:"offline"`
	Degraded int `json:"degraded"`
}

// Command identifies the target of an outbound device command.
type Command struct {
	RoomID   string `json:"roomId,omitempty"`
	PuzzleID string `json:"puzzleId,omitempty"`
	DeviceID string `json:"deviceId"`
	Category string `json:"category,omitempty"`
	Command  string `json:"command"`
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// clampHealth keeps a health score within [MinHealth, MaxHealth].
func clampHealth(h int) int {
	if h > MaxHealth {
		return MaxHealth
	}
	if h < MinHealth {
		return MinHealth
	}
	return h
}
