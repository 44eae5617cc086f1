package state

import "strings"

// Topic categories handled by the manager.
const (
	CategorySensors = "sensors"
	CategoryStatus  = "status"
)

// Topic is a parsed state or sensor topic.
type Topic struct {
	Room       string
	Category   string
	Controller string
	Device     string
	Item       string
}

// DeviceKey returns the lower-cased room/controller/device key.
func (t Topic) DeviceKey() string {
	return strings.ToLower(t.Room + "/" + t.Controller + "/" + t.Device)
}

// ParseTopic parses topic against the state grammar. ok is false for topics
// that are not sensor or status topics.
func ParseTopic(topic string, namespaces map[string]struct{}) (Topic, bool) {
	parts := strings.Split(topic, "/")
	offset := 0
	if len(parts) >= 5 {
		if _, ok := namespaces[strings.ToLower(parts[0])]; ok {
			offset = 1
		}
	}
	if len(parts) < offset+5 {
		return Topic{}, false
	}

	t := Topic{
		Room:       parts[offset],
		Category:   strings.ToLower(parts[offset+1]),
		Controller: parts[offset+2],
		Device:     parts[offset+3],
		Item:       parts[offset+4],
	}
	if t.Item == "" || (t.Category != CategorySensors && t.Category != CategoryStatus) {
		return Topic{}, false
	}
	return t, true
}
