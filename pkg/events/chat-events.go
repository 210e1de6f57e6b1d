package events

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

type EventType string

const (
	// EventTypeStart through EventTypeFinal cover one streamed turn.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeTimeout           EventType = "timeout"

	// EventTypeNotification carries user-facing messages (validation,
	// auth, transport errors).
	EventTypeNotification EventType = "notification"

	// EventTypeSessionsRefresh tells session-listing consumers that a new
	// session now exists server-side.
	EventTypeSessionsRefresh EventType = "sessions-refresh"
)

// NotifyKind classifies a notification for the sink that renders it.
type NotifyKind string

const (
	NotifyValidation NotifyKind = "validation"
	NotifyAuth       NotifyKind = "auth"
	NotifyTransport  NotifyKind = "transport"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates an event with the session and turn it belongs to.
type EventMetadata struct {
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON payload when the event was deserialized, see NewEventFromJson
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventPartialCompletion carries one streamed content chunk plus the
// accumulated completion so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text    string                `json:"text"`
	Sources []conversation.Source `json:"sources,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string, sources []conversation.Source) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
		Sources:   sources,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

type EventTimeout struct {
	EventImpl
	Text string `json:"text"`
}

func NewTimeoutEvent(metadata EventMetadata, text string) *EventTimeout {
	return &EventTimeout{
		EventImpl: EventImpl{Type_: EventTypeTimeout, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventTimeout{}

type EventNotification struct {
	EventImpl
	Kind    NotifyKind `json:"kind"`
	Message string     `json:"message"`
}

func NewNotificationEvent(metadata EventMetadata, kind NotifyKind, message string) *EventNotification {
	return &EventNotification{
		EventImpl: EventImpl{Type_: EventTypeNotification, Metadata_: metadata},
		Kind:      kind,
		Message:   message,
	}
}

var _ Event = &EventNotification{}

type EventSessionsRefresh struct {
	EventImpl
}

func NewSessionsRefreshEvent(metadata EventMetadata) *EventSessionsRefresh {
	return &EventSessionsRefresh{
		EventImpl: EventImpl{Type_: EventTypeSessionsRefresh, Metadata_: metadata},
	}
}

var _ Event = &EventSessionsRefresh{}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return toTypedEvent[EventStart](e)
	case EventTypePartialCompletion:
		return toTypedEvent[EventPartialCompletion](e)
	case EventTypeFinal:
		return toTypedEvent[EventFinal](e)
	case EventTypeError:
		return toTypedEvent[EventError](e)
	case EventTypeTimeout:
		return toTypedEvent[EventTimeout](e)
	case EventTypeNotification:
		return toTypedEvent[EventNotification](e)
	case EventTypeSessionsRefresh:
		return toTypedEvent[EventSessionsRefresh](e)
	}

	return e, nil
}

func toTypedEvent[T any, PT interface {
	*T
	Event
}](e *EventImpl) (Event, error) {
	var ret PT = new(T)
	if err := json.Unmarshal(e.payload, ret); err != nil {
		return nil, fmt.Errorf("could not cast event to %T: %w", ret, err)
	}
	if impl, ok := any(ret).(interface{ setPayload([]byte) }); ok {
		impl.setPayload(e.payload)
	}
	return ret, nil
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}
