package astimoq

// EventName represents an event name
type EventName string

// Default event names
var (
	EventNameCatalog      EventName = "astimoq.catalog"
	EventNameError        EventName = "astimoq.error"
	EventNameStateChanged EventName = "astimoq.state.changed"
	EventNameStats        EventName = "astimoq.stats"
)

// Event is an event coming out of a source
type Event struct {
	Name    EventName
	Payload interface{}
	Target  interface{}
}

// EventError returns an error event
func EventError(target interface{}, err error) Event {
	return Event{
		Name:    EventNameError,
		Payload: err,
		Target:  target,
	}
}

// EventStateChanged is the payload of a state changed event
type EventStateChanged struct {
	ActivationID string
	From         State
	To           State
}

// EventCatalog is the payload of a catalog event
type EventCatalog struct {
	ActivationID string
	Catalog      Catalog
}
