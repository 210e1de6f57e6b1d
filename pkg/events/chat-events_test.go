package events

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

func TestNewEventFromJson_Partial(t *testing.T) {
	meta := EventMetadata{SessionID: "sess-1", TurnID: "turn-1"}
	b, err := json.Marshal(NewPartialCompletionEvent(meta, "!", "Great, thanks!"))
	require.NoError(t, err)

	e, err := NewEventFromJson(b)
	require.NoError(t, err)
	partial, ok := e.(*EventPartialCompletion)
	require.True(t, ok)
	require.Equal(t, "!", partial.Delta)
	require.Equal(t, "Great, thanks!", partial.Completion)
	require.Equal(t, "sess-1", partial.Metadata().SessionID)
}

func TestNewEventFromJson_Final(t *testing.T) {
	sources := []conversation.Source{{Title: "doc1.pdf", URI: "s3://bucket/doc1.pdf"}}
	b, err := json.Marshal(NewFinalEvent(EventMetadata{TurnID: "t"}, "done", sources))
	require.NoError(t, err)

	e, err := NewEventFromJson(b)
	require.NoError(t, err)
	final, ok := e.(*EventFinal)
	require.True(t, ok)
	require.Equal(t, "done", final.Text)
	require.Equal(t, sources, final.Sources)
}

func TestNewEventFromJson_Notification(t *testing.T) {
	b, err := json.Marshal(NewNotificationEvent(EventMetadata{}, NotifyValidation, "Please enter a message"))
	require.NoError(t, err)

	e, err := NewEventFromJson(b)
	require.NoError(t, err)
	n, ok := e.(*EventNotification)
	require.True(t, ok)
	require.Equal(t, NotifyValidation, n.Kind)
	require.Equal(t, "Please enter a message", n.Message)
}

func TestNewEventFromJson_Error(t *testing.T) {
	b, err := json.Marshal(NewErrorEvent(EventMetadata{}, errors.New("boom")))
	require.NoError(t, err)

	e, err := NewEventFromJson(b)
	require.NoError(t, err)
	ev, ok := e.(*EventError)
	require.True(t, ok)
	require.Equal(t, "boom", ev.ErrorString)
}
