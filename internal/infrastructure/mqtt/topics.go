package mqtt

import "strings"

// Topic prefixes for controller and monitor traffic.
const (
	// TopicPrefixSystem is the base for monitor-owned system topics.
	TopicPrefixSystem = "sentient/system"

	// TopicPrefixRegister is the base for the split registration protocol.
	TopicPrefixRegister = "sentient/system/register"

	// DefaultCommandCategory is used when a command names no category.
	DefaultCommandCategory = "commands"
)

// Suffixes that identify registration traffic regardless of namespace.
const (
	registerControllerSuffix = "/system/register/controller"
	registerDeviceSuffix     = "/system/register/device"
	registerLegacySuffix     = "/system/register"
)

// RegistrationKind classifies a registration topic.
type RegistrationKind int

// Registration topic kinds.
const (
	RegistrationNone RegistrationKind = iota
	RegistrationController
	RegistrationDevice
	RegistrationLegacy
)

// String returns the kind name used in logs and metrics labels.
func (k RegistrationKind) String() string {
	switch k {
	case RegistrationController:
		return "controller"
	case RegistrationDevice:
		return "device"
	case RegistrationLegacy:
		return "legacy"
	default:
		return "none"
	}
}

// Topics provides builders for the topics the monitor publishes and
// subscribes to.
//
//	topics := mqtt.Topics{}
//	topic := topics.DeviceCommand("paragon", "clockwork", "pilaster", "lever", "", "reset")
//	// Returns: "paragon/clockwork/pilaster/lever/commands/reset"
type Topics struct{}

// SystemStatus returns the monitor's own retained status topic.
//
// Example: sentient/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// RegisterController returns the controller registration topic.
//
// Example: sentient/system/register/controller
func (Topics) RegisterController() string {
	return TopicPrefixRegister + "/controller"
}

// RegisterDevice returns the per-device registration topic.
//
// Example: sentient/system/register/device
func (Topics) RegisterDevice() string {
	return TopicPrefixRegister + "/device"
}

// DeviceCommand returns the topic a command is published to. An empty
// category falls back to DefaultCommandCategory. Empty identity segments
// are skipped.
//
// Example: paragon/clockwork/pilaster/lever/commands/reset
func (Topics) DeviceCommand(namespace, roomID, puzzleID, deviceID, category, command string) string {
	if category == "" {
		category = DefaultCommandCategory
	}
	parts := make([]string, 0, 6)
	for _, p := range []string{namespace, roomID, puzzleID, deviceID, category, command} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// ClassifyRegistration reports whether topic belongs to the registration
// protocol and which message it carries.
func (t Topics) ClassifyRegistration(topic string) RegistrationKind {
	switch {
	case topic == t.RegisterController(), strings.HasSuffix(topic, registerControllerSuffix):
		return RegistrationController
	case topic == t.RegisterDevice(), strings.HasSuffix(topic, registerDeviceSuffix):
		return RegistrationDevice
	case topic == TopicPrefixRegister, strings.HasSuffix(topic, registerLegacySuffix):
		return RegistrationLegacy
	default:
		return RegistrationNone
	}
}
