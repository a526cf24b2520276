package events

import (
	"time"
)

type EventType string

const (
	ServiceStatusChanged EventType = "service.status"
	NodeConnection       EventType = "node.connection"
	FallbackTransition   EventType = "fallback.transition"
	InstallationChanged  EventType = "installation.changed"
	ResourceUpdate       EventType = "resource.update"
)

type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Service   string      `json:"service,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type EventHandler interface {
	Handle(event Event) error
	CanHandle(eventType EventType) bool
}

type EventBus interface {
	Publish(event Event) error
	Subscribe(handler EventHandler) error
	Unsubscribe(handler EventHandler) error
	Start() error
	Stop() error
}

// HandlerFunc adapts a function to the EventHandler interface, filtered by
// event type. An empty type list matches everything.
type HandlerFunc struct {
	Types []EventType
	Fn    func(Event) error
}

func (h *HandlerFunc) Handle(event Event) error {
	return h.Fn(event)
}

func (h *HandlerFunc) CanHandle(eventType EventType) bool {
	if len(h.Types) == 0 {
		return true
	}
	for _, t := range h.Types {
		if t == eventType {
			return true
		}
	}
	return false
}
