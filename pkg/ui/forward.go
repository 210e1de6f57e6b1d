package ui

import (
	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
)

// Messages the forwarder injects into the bubbletea program. The model
// never touches watermill directly; chat events arrive as tea messages.

type StreamStartMsg struct {
	TurnID string
}

type StreamCompletionMsg struct {
	TurnID     string
	Delta      string
	Completion string
}

type StreamDoneMsg struct {
	TurnID     string
	Completion string
	Sources    []conversation.Source
}

type StreamErrorMsg struct {
	TurnID string
	Err    string
}

type StreamTimeoutMsg struct {
	TurnID string
	Text   string
}

type NotificationMsg struct {
	Kind    events.NotifyKind
	Message string
}

type SessionsRefreshMsg struct{}

// ChatForwardFunc bridges the event stream into a running program. Hang it
// on an event router handler: it decodes each payload and sends the typed
// message to the UI loop.
func ChatForwardFunc(p *tea.Program) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		msg.Ack()

		e, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		turnID := e.Metadata().TurnID
		switch e_ := e.(type) {
		case *events.EventStart:
			p.Send(StreamStartMsg{TurnID: turnID})
		case *events.EventPartialCompletion:
			p.Send(StreamCompletionMsg{
				TurnID:     turnID,
				Delta:      e_.Delta,
				Completion: e_.Completion,
			})
		case *events.EventFinal:
			p.Send(StreamDoneMsg{
				TurnID:     turnID,
				Completion: e_.Text,
				Sources:    e_.Sources,
			})
		case *events.EventError:
			p.Send(StreamErrorMsg{TurnID: turnID, Err: e_.ErrorString})
		case *events.EventTimeout:
			p.Send(StreamTimeoutMsg{TurnID: turnID, Text: e_.Text})
		case *events.EventNotification:
			p.Send(NotificationMsg{Kind: e_.Kind, Message: e_.Message})
		case *events.EventSessionsRefresh:
			p.Send(SessionsRefreshMsg{})
		}

		return nil
	}
}
