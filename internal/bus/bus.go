// Package bus defines the event fan-out contract between the coordination
// core and its realtime observers. Publish is bounded-effort: no delivery
// acknowledgment, no retry, no persistence. A disconnected observer misses
// events and re-fetches current state over HTTP.
package bus

// Kind names the event classes pushed to observers.
type Kind string

const (
	KindDeviceStatus    Kind = "device:status"
	KindSensorData      Kind = "sensor:data"
	KindTriggerExecuted Kind = "trigger:executed"
	KindLogNew          Kind = "log:new"
	KindLogUpdated      Kind = "log:updated"
)

// Event is one state change scoped to the owning user. Emitters always
// resolve the owner before publishing, so scoping is uniform across the
// broker-sourced and HTTP-sourced paths.
type Event struct {
	Kind    Kind
	UserID  string
	Payload any
}

// Bus accepts events for fan-out. Implementations must not block the caller.
type Bus interface {
	Publish(ev Event)
}

// Nop discards every event. Used where no realtime layer is wired.
type Nop struct{}

func (Nop) Publish(Event) {}
