// Package notify carries transient user-facing notifications and UI state
// events from the recorder, the entries client and the inbox watcher to
// whatever is listening: browser UIs over SSE/WebSocket, or a terminal.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a toast stays on screen unless the publisher says otherwise.
const DefaultTTL = 3 * time.Second

// Level is the severity of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// Icon returns the icon name a UI should render next to the message.
func (l Level) Icon() string {
	switch l {
	case LevelSuccess:
		return "check-circle"
	case LevelError:
		return "exclamation-circle"
	case LevelWarning:
		return "exclamation-triangle"
	default:
		return "info-circle"
	}
}

// EventType distinguishes what an Event describes.
type EventType string

const (
	TypeNotification EventType = "notification"
	TypeState        EventType = "state"
	TypeEntries      EventType = "entries"
	TypeInbox        EventType = "inbox"
)

// Event is a single message pushed to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Level     Level     `json:"level,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	Message   string    `json:"message,omitempty"`
	State     string    `json:"state,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	File      string    `json:"file,omitempty"`
	TTL       int64     `json:"ttl_ms,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// Notification builds a toast event.
func Notification(level Level, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeNotification,
		Level:     level,
		Icon:      level.Icon(),
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// StateChange builds an event describing a recording session transition.
func StateChange(sessionID, state string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeState,
		State:     state,
		SessionID: sessionID,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// EntriesChanged tells UIs that the entries list should be re-rendered.
func EntriesChanged() Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeEntries,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// InboxEvent reports progress on a file picked up from the inbox directory.
func InboxEvent(level Level, file, message string) Event {
	ev := Notification(level, message)
	ev.Type = TypeInbox
	ev.File = file
	return ev
}

// Sink receives events. Publish must not block for long.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks, in order.
type Multi []Sink

func (m Multi) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}
