package device

import "strings"

// DefaultNamespaces are the topic prefixes stripped before identity parsing.
var DefaultNamespaces = []string{"paragon", "mythraos"}

// TopicIdentity is the identity carried by a device topic.
type TopicIdentity struct {
	RoomID   string
	PuzzleID string
	DeviceID string
	// Key is the lower-cased "/" join of the non-empty identity segments.
	Key string
}

// TopicParser extracts device identity from MQTT topics.
type TopicParser struct {
	namespaces map[string]struct{}
}

// NewTopicParser creates a parser that strips the given namespace prefixes.
// An empty list falls back to DefaultNamespaces.
func NewTopicParser(namespaces []string) *TopicParser {
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces
	}
	p := &TopicParser{namespaces: make(map[string]struct{}, len(namespaces))}
	for _, ns := range namespaces {
		p.namespaces[strings.ToLower(ns)] = struct{}{}
	}
	return p
}

// Parse splits topic into room, puzzle and device segments.
//
// A recognised namespace is only stripped when at least three segments
// follow it, so "paragon/x/y" still parses as room "paragon".
func (p *TopicParser) Parse(topic string) TopicIdentity {
	parts := strings.Split(topic, "/")
	offset := 0
	if len(parts) >= 4 {
		if _, ok := p.namespaces[strings.ToLower(parts[0])]; ok {
			offset = 1
		}
	}

	seg := func(i int) string {
		if offset+i < len(parts) {
			return parts[offset+i]
		}
		return ""
	}

	id := TopicIdentity{
		RoomID:   seg(0),
		PuzzleID: seg(1),
		DeviceID: seg(2),
	}
	id.Key = CanonicalKey(id.RoomID, id.PuzzleID, id.DeviceID)
	return id
}

// CanonicalKey joins the non-empty parts with "/" and lower-cases the result.
func CanonicalKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.ToLower(strings.Join(kept, "/"))
}
