package registration

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ControllerMessage is the first half of the handshake.
type ControllerMessage struct {
	ControllerID        string `json:"controller_id"`
	RoomID              string `json:"room_id"`
	FriendlyName        string `json:"friendly_name,omitempty"`
	HardwareType        string `json:"hardware_type,omitempty"`
	MCUModel            string `json:"mcu_model,omitempty"`
	ClockSpeedMHz       int    `json:"clock_speed_mhz,omitempty"`
	FirmwareVersion     string `json:"firmware_version,omitempty"`
	SketchName          string `json:"sketch_name,omitempty"`
	DigitalPinsTotal    int    `json:"digital_pins_total,omitempty"`
	AnalogPinsTotal     int    `json:"analog_pins_total,omitempty"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms,omitempty"`
	ControllerType      string `json:"controller_type,omitempty"`

	// DeviceCount is the number of device messages to expect. Nil means the
	// controller did not say.
	DeviceCount *int `json:"device_count,omitempty"`

	MQTTNamespace    string `json:"mqtt_namespace,omitempty"`
	MQTTRoomID       string `json:"mqtt_room_id,omitempty"`
	MQTTControllerID string `json:"mqtt_controller_id,omitempty"`
	MQTTDeviceID     string `json:"mqtt_device_id,omitempty"`
}

// TopicDef is one entry of a device's declared MQTT topics.
type TopicDef struct {
	Topic     string `json:"topic"`
	TopicType string `json:"topic_type"`
}

// DeviceMessage is one device announcement.
type DeviceMessage struct {
	ControllerID      string         `json:"controller_id"`
	DeviceIndex       *int           `json:"device_index"`
	DeviceID          string         `json:"device_id"`
	FriendlyName      string         `json:"friendly_name,omitempty"`
	DeviceType        string         `json:"device_type,omitempty"`
	DeviceCategory    string         `json:"device_category,omitempty"`
	DeviceCommandName string         `json:"device_command_name,omitempty"`
	Pin               any            `json:"pin,omitempty"`
	PinType           string         `json:"pin_type,omitempty"`
	Properties        map[string]any `json:"properties,omitempty"`
	MQTTTopics        []TopicDef     `json:"mqtt_topics,omitempty"`
}

// Index returns the device index, or -1 when unset.
func (d DeviceMessage) Index() int {
	if d.DeviceIndex == nil {
		return -1
	}
	return *d.DeviceIndex
}

// Registration is a complete controller announcement ready to persist.
type Registration struct {
	Controller ControllerMessage
	Devices    []DeviceMessage
}

// ParseControllerMessage decodes a controller message and checks its
// required fields.
func ParseControllerMessage(payload []byte) (*ControllerMessage, error) {
	var msg ControllerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.ControllerID == "" || msg.RoomID == "" {
		return nil, fmt.Errorf("%w: controller_id and room_id are required", ErrInvalidMessage)
	}
	return &msg, nil
}

// ParseDeviceMessage decodes a device message and checks its required fields.
func ParseDeviceMessage(payload []byte) (*DeviceMessage, error) {
	var msg DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.ControllerID == "" || msg.DeviceID == "" || msg.DeviceIndex == nil {
		return nil, fmt.Errorf("%w: controller_id, device_id and device_index are required", ErrInvalidMessage)
	}
	return &msg, nil
}

// legacyMessage is the single-message format published to
// sentient/system/register by older firmware.
type legacyMessage struct {
	ControllerMessage
	CapabilityManifest *struct {
		Devices []struct {
			DeviceID     string         `json:"device_id"`
			DeviceType   string         `json:"device_type"`
			FriendlyName string         `json:"friendly_name"`
			Pin          any            `json:"pin,omitempty"`
			PinType      string         `json:"pin_type,omitempty"`
			Properties   map[string]any `json:"properties,omitempty"`
		} `json:"devices"`
		Subscribe []struct {
			Topic string `json:"topic"`
		} `json:"mqtt_topics_subscribe"`
	} `json:"capability_manifest,omitempty"`
}

// ParseLegacyMessage converts a combined registration message into a
// Registration. Manifest devices are indexed in order of appearance.
// Subscribe topics of the form "<device_id>/commands/<name>" become
// command topics of that device.
func ParseLegacyMessage(payload []byte) (*Registration, error) {
	var msg legacyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.ControllerID == "" || msg.RoomID == "" {
		return nil, fmt.Errorf("%w: controller_id and room_id are required", ErrInvalidMessage)
	}

	reg := &Registration{Controller: msg.ControllerMessage}
	if msg.CapabilityManifest == nil {
		zero := 0
		reg.Controller.DeviceCount = &zero
		return reg, nil
	}

	commands := make(map[string][]TopicDef)
	for _, sub := range msg.CapabilityManifest.Subscribe {
		deviceID, rest, ok := strings.Cut(sub.Topic, "/commands/")
		if !ok || rest == "" {
			continue
		}
		if i := strings.LastIndexByte(deviceID, '/'); i >= 0 {
			deviceID = deviceID[i+1:]
		}
		commands[deviceID] = append(commands[deviceID], TopicDef{Topic: commandTopicPrefix + rest, TopicType: topicTypeCommand})
	}

	for i, d := range msg.CapabilityManifest.Devices {
		idx := i
		reg.Devices = append(reg.Devices, DeviceMessage{
			ControllerID: msg.ControllerID,
			DeviceIndex:  &idx,
			DeviceID:     d.DeviceID,
			FriendlyName: d.FriendlyName,
			DeviceType:   d.DeviceType,
			Pin:          d.Pin,
			PinType:      d.PinType,
			Properties:   d.Properties,
			MQTTTopics:   commands[d.DeviceID],
		})
	}
	count := len(reg.Devices)
	reg.Controller.DeviceCount = &count
	return reg, nil
}

var pseudoDeviceIDs = map[string]struct{}{
	"controller":        {},
	"controller_device": {},
	"controller_board":  {},
	"controller_main":   {},
}

// IsPseudoDevice reports whether d describes the controller itself.
func IsPseudoDevice(d DeviceMessage) bool {
	if _, ok := pseudoDeviceIDs[strings.ToLower(d.DeviceID)]; ok {
		return true
	}
	switch strings.ToLower(d.DeviceType) {
	case "controller", "microcontroller":
		return true
	}
	return false
}

const (
	commandTopicPrefix = "commands/"
	topicTypeCommand   = "command"
)

// DeviceCommand is one command row derived from a device announcement.
type DeviceCommand struct {
	Name         string
	FriendlyName string
	TopicSuffix  string
}

// Commands derives the command rows for d: its primary command name first,
// then every command topic it declares. Duplicates are dropped.
func Commands(d DeviceMessage) []DeviceCommand {
	var out []DeviceCommand
	seen := make(map[string]struct{})
	add := func(name, suffix string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, DeviceCommand{Name: name, FriendlyName: FriendlyName(name), TopicSuffix: suffix})
	}

	if d.DeviceCommandName != "" {
		add(d.DeviceCommandName, commandTopicPrefix+d.DeviceCommandName)
	}
	for _, t := range d.MQTTTopics {
		if t.TopicType != topicTypeCommand || !strings.HasPrefix(t.Topic, commandTopicPrefix) {
			continue
		}
		add(strings.TrimPrefix(t.Topic, commandTopicPrefix), t.Topic)
	}
	return out
}

// FriendlyName turns a firmware command name into a display label by
// splitting on underscores and before capitals, then title-casing each word:
// "moveTVLift_Up" becomes "Move T V Lift Up".
func FriendlyName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '_':
			b.WriteByte(' ')
		case unicode.IsUpper(r):
			b.WriteByte(' ')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}

	words := strings.Fields(b.String())
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// sortedDevices returns the devices ordered by index.
func sortedDevices(m map[int]DeviceMessage) []DeviceMessage {
	out := make([]DeviceMessage, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}
