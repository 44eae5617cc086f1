package device

import (
	"encoding/json"
	"sort"
	"strings"
)

// Field key sets searched when enriching a record. Top-level keys are tried
// first, then the same concern under "metadata".
var (
	uniqueIDKeys      = []string{"uniqueId", "uid"}
	firmwareKeys      = []string{"firmwareVersion", "fw"}
	displayNameKeys   = []string{"displayName"}
	hardwareKeys      = []string{"hardware", "hw"}
	roomLabelKeys     = []string{"room", "roomLabel"}
	roomLabelMetaKeys = []string{"roomLabel", "room"}
	puzzleKeys        = []string{"puzzle", "pz"}
	puzzleMetaKeys    = []string{"puzzleId", "puzzle"}
	puzzleStatusKeys  = []string{"state", "puzzleStatus"}
	puzzleStatusMeta  = []string{"puzzleStatus", "state"}
	statusKeys        = []string{"status"}
)

// timestampFields are never treated as samples.
var timestampFields = map[string]struct{}{"ts": {}, "timestamp": {}}

// ParsePayload decodes payload as a JSON value. Non-JSON payloads return nil.
func ParsePayload(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	return v
}

// AsObject returns v as a JSON object, or nil.
func AsObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// PickString returns the first non-blank string stored under one of keys.
// The value is returned untrimmed.
func PickString(source map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := source[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// pickEither tries keys at the top level of payload, then metaKeys under metadata.
func pickEither(payload, metadata map[string]any, keys, metaKeys []string) string {
	if v := PickString(payload, keys...); v != "" {
		return v
	}
	return PickString(metadata, metaKeys...)
}

// NumericFields returns the numeric fields of obj, excluding timestamp fields,
// sorted by key.
func NumericFields(obj map[string]any) []NumericField {
	keys := make([]string, 0, len(obj))
	for k, v := range obj {
		if _, skip := timestampFields[k]; skip {
			continue
		}
		if _, ok := v.(float64); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]NumericField, 0, len(keys))
	for _, k := range keys {
		out = append(out, NumericField{Name: k, Value: obj[k].(float64)})
	}
	return out
}

// NumericField is one numeric entry of a flat JSON object.
type NumericField struct {
	Name  string
	Value float64
}

// toMetric converts an element of a reported metrics array.
func toMetric(raw any) Metric {
	obj := AsObject(raw)
	m := Metric{Name: "metric"}
	if obj == nil {
		m.Value = raw
		return m
	}
	if name := firstPresent(obj, "name", "id"); name != nil {
		m.Name = toString(name)
	}
	m.Value = firstPresent(obj, "value", "data")
	if unit, ok := obj["unit"].(string); ok {
		m.Unit = unit
	}
	return m
}

// toSensor converts an element of a reported sensors array.
func toSensor(raw any) Sensor {
	obj := AsObject(raw)
	s := Sensor{Name: "sensor"}
	if obj == nil {
		s.Value = raw
		return s
	}
	if name := firstPresent(obj, "name", "id"); name != nil {
		s.Name = toString(name)
	}
	s.Value = firstPresent(obj, "value", "reading")
	if s.Value == nil {
		s.Value = deepCopyMap(obj)
	}
	if st, ok := obj["sensorType"].(string); ok {
		s.SensorType = st
	}
	return s
}

// firstPresent returns the first non-nil value stored under keys.
func firstPresent(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// lastSegment returns the final "/"-separated part of topic.
func lastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
