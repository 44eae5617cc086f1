package device

// EventType names a registry lifecycle event.
type EventType string

// Registry events.
const (
	EventDeviceOnline  EventType = "device-online"
	EventDeviceOffline EventType = "device-offline"
	EventDeviceUpdated EventType = "device-updated"
)

// Event carries a snapshot of the record at the time of the change.
// Message is set when the event was caused by inbound telemetry.
type Event struct {
	Type    EventType
	Device  Record
	Message *Message
}

// EventHandler receives registry events. Handlers run on the goroutine that
// caused the change, after the registry lock has been released, and must not
// block.
type EventHandler func(Event)
