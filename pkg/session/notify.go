package session

import (
	"github.com/go-go-golems/marionette/pkg/events"
)

// Notifier is the sink for user-visible messages: rejected submissions,
// auth failures of the token provider, and transport errors. Everything
// else the supervisor absorbs internally.
type Notifier interface {
	Notify(kind events.NotifyKind, message string)
}

type NotifierFunc func(kind events.NotifyKind, message string)

func (f NotifierFunc) Notify(kind events.NotifyKind, message string) {
	f(kind, message)
}

type nopNotifier struct{}

func (nopNotifier) Notify(events.NotifyKind, string) {}

// PublisherNotifier forwards notifications onto the event stream so the UI
// renders them alongside the chat events.
func PublisherNotifier(pm *events.PublisherManager) Notifier {
	return NotifierFunc(func(kind events.NotifyKind, message string) {
		pm.PublishBlind(events.NewNotificationEvent(events.EventMetadata{}, kind, message))
	})
}
