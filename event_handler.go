package astimoq

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
)

// EventHandler represents an event handler
type EventHandler struct {
	// Indexed by target then by event name then by listener idx
	// We use a map[int]Listener so that deletion is as smooth as possible
	cs  map[interface{}]map[EventName]map[int]EventCallback
	idx int
	m   *sync.Mutex
}

// EventCallback represents an event callback
type EventCallback func(e Event) (deleteListener bool)

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		cs: make(map[interface{}]map[EventName]map[int]EventCallback),
		m:  &sync.Mutex{},
	}
}

// Add adds a new callback for a specific target and event name
func (h *EventHandler) Add(target interface{}, eventName EventName, c EventCallback) {
	h.m.Lock()
	defer h.m.Unlock()
	if _, ok := h.cs[target]; !ok {
		h.cs[target] = make(map[EventName]map[int]EventCallback)
	}
	if _, ok := h.cs[target][eventName]; !ok {
		h.cs[target][eventName] = make(map[int]EventCallback)
	}
	h.idx++
	h.cs[target][eventName][h.idx] = c
}

// AddForEventName adds a new callback for a specific event name
func (h *EventHandler) AddForEventName(eventName EventName, c EventCallback) {
	h.Add(nil, eventName, c)
}

// AddForTarget adds a new callback for a specific target
func (h *EventHandler) AddForTarget(target interface{}, c EventCallback) {
	h.Add(target, "", c)
}

// AddForAll adds a new callback for all events
func (h *EventHandler) AddForAll(c EventCallback) {
	h.Add(nil, "", c)
}

func (h *EventHandler) del(target interface{}, eventName EventName, idx int) {
	h.m.Lock()
	defer h.m.Unlock()
	if _, ok := h.cs[target]; !ok {
		return
	}
	if _, ok := h.cs[target][eventName]; !ok {
		return
	}
	delete(h.cs[target][eventName], idx)
}

type eventHandlerCallback struct {
	c         EventCallback
	eventName EventName
	idx       int
	target    interface{}
}

func (h *EventHandler) callbacks(target interface{}, eventName EventName) (cs []eventHandlerCallback) {
	// Lock
	h.m.Lock()
	defer h.m.Unlock()

	// Index callbacks
	ics := make(map[int]eventHandlerCallback)
	var idxs []int
	targets := []interface{}{nil}
	if target != nil {
		targets = append(targets, target)
	}
	for _, target := range targets {
		if _, ok := h.cs[target]; !ok {
			continue
		}
		eventNames := []EventName{""}
		if eventName != "" {
			eventNames = append(eventNames, eventName)
		}
		for _, eventName := range eventNames {
			for idx, c := range h.cs[target][eventName] {
				ics[idx] = eventHandlerCallback{
					c:         c,
					eventName: eventName,
					idx:       idx,
					target:    target,
				}
				idxs = append(idxs, idx)
			}
		}
	}

	// Sort
	sort.Ints(idxs)

	// Append
	for _, idx := range idxs {
		cs = append(cs, ics[idx])
	}
	return
}

// Emit emits an event. Callbacks are called in the order they were added, on the emitting goroutine.
func (h *EventHandler) Emit(e Event) {
	for _, c := range h.callbacks(e.Target, e.Name) {
		if c.c(e) {
			h.del(c.target, c.eventName, c.idx)
		}
	}
}

// EventHandlerLogAdapter allows packages to plug their own events into the event logger
type EventHandlerLogAdapter func(*EventHandler, *EventLogger)

// EventHandlerLogOptions represents event handler log options
type EventHandlerLogOptions struct {
	Adapters     []EventHandlerLogAdapter
	Logger       astikit.StdLogger
	LoggerLevels map[EventName]astikit.LoggerLevel
}

// WithMessageMerging merges identical messages logged within the provided period
func WithMessageMerging(period time.Duration) EventHandlerLogAdapter {
	return func(_ *EventHandler, l *EventLogger) {
		l.messageMergingPeriod = period
	}
}

// Log logs the handler's events. The returned event logger must be started and closed by the caller.
func (h *EventHandler) Log(o EventHandlerLogOptions) (l *EventLogger) {
	// Create event logger
	l = newEventLogger(o.Logger)

	// Loop through adapters
	for _, a := range o.Adapters {
		a(h, l)
	}

	// Get logger levels
	lls := map[EventName]astikit.LoggerLevel{
		EventNameCatalog:      astikit.LoggerLevelInfo,
		EventNameError:        astikit.LoggerLevelError,
		EventNameStateChanged: astikit.LoggerLevelInfo,
	}
	for n, ll := range o.LoggerLevels {
		lls[n] = ll
	}

	// Error
	h.AddForEventName(EventNameError, func(e Event) bool {
		var t string
		if v, ok := e.Target.(*Source); ok {
			if id := v.ActivationID(); id != "" {
				t = " (activation " + id + ")"
			}
		}
		if err, ok := e.Payload.(error); ok {
			l.Writef(lls[e.Name], "%s%s", err, t)
		}
		return false
	})

	// State
	h.AddForEventName(EventNameStateChanged, func(e Event) bool {
		if v, ok := e.Payload.(EventStateChanged); ok {
			l.Writef(lls[e.Name], "astimoq: state changed from %s to %s (activation %s)", v.From, v.To, v.ActivationID)
		}
		return false
	})

	// Catalog
	h.AddForEventName(EventNameCatalog, func(e Event) bool {
		if v, ok := e.Payload.(EventCatalog); ok {
			l.Writef(lls[e.Name], "astimoq: catalog received with %d video and %d audio track(s) (activation %s)", len(v.Catalog.Video), len(v.Catalog.Audio), v.ActivationID)
		}
		return false
	})
	return
}

// Errorf emits an error event built from a format
func (h *EventHandler) Errorf(target interface{}, format string, args ...interface{}) {
	h.Emit(EventError(target, fmt.Errorf(format, args...)))
}
