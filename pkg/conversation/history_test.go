package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistory_AppendPairPreservesOrder(t *testing.T) {
	h := NewHistory()
	h.Append(NewAssistantTurn("Hello! How can I help you today?"))

	require.NoError(t, h.AppendPair(NewHumanTurn("first"), NewAssistantTurn("")))
	require.NoError(t, h.AppendPair(NewHumanTurn("second"), NewAssistantTurn("")))

	turns := h.Snapshot()
	require.Len(t, turns, 5)
	require.Equal(t, RoleAssistant, turns[0].Role)
	require.Equal(t, "first", turns[1].Content)
	require.Equal(t, RoleAssistant, turns[2].Role)
	require.Equal(t, "second", turns[3].Content)
	require.Equal(t, RoleAssistant, turns[4].Role)
}

func TestHistory_AppendPairRejectsWrongRoles(t *testing.T) {
	h := NewHistory()
	require.ErrorIs(t, h.AppendPair(NewAssistantTurn("x"), NewAssistantTurn("")), ErrPairRoles)
	require.ErrorIs(t, h.AppendPair(NewHumanTurn("x"), NewHumanTurn("")), ErrPairRoles)
	require.Equal(t, 0, h.Len())
}

func TestHistory_AppendToLastAssistant(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AppendPair(NewHumanTurn("hi"), NewAssistantTurn("")))

	require.NoError(t, h.AppendToLastAssistant("Great, "))
	require.NoError(t, h.AppendToLastAssistant("thanks"))
	require.NoError(t, h.AppendToLastAssistant("!"))

	turns := h.Snapshot()
	require.Equal(t, "Great, thanks!", turns[len(turns)-1].Content)
}

func TestHistory_MutatorsFailWithoutAssistantTail(t *testing.T) {
	h := NewHistory()
	require.ErrorIs(t, h.AppendToLastAssistant("x"), ErrEmptyHistory)

	h.Append(NewHumanTurn("dangling"))
	require.ErrorIs(t, h.SetLastAssistantContent("x"), ErrNoAssistantTail)
	require.ErrorIs(t, h.SetLastAssistantMetadata(Metadata{}), ErrNoAssistantTail)
}

func TestHistory_SnapshotIsDetached(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AppendPair(NewHumanTurn("hi"), NewAssistantTurn("answer")))

	turns := h.Snapshot()
	turns[1].Content = "mutated"
	turns[1].Metadata["injected"] = true

	fresh := h.Snapshot()
	require.Equal(t, "answer", fresh[1].Content)
	require.NotContains(t, fresh[1].Metadata, "injected")
}

func TestHistory_ReplaceAllDiscardsPrevious(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AppendPair(NewHumanTurn("old"), NewAssistantTurn("old answer")))

	h.ReplaceAll([]*Turn{NewAssistantTurn("seed")})
	turns := h.Snapshot()
	require.Len(t, turns, 1)
	require.Equal(t, "seed", turns[0].Content)
}

func TestHistory_TruncateLastPair(t *testing.T) {
	h := NewHistory()
	h.Append(NewAssistantTurn("seed"))
	require.NoError(t, h.AppendPair(NewHumanTurn("hi"), NewAssistantTurn("answer")))

	require.NoError(t, h.TruncateLastPair())
	require.Equal(t, 1, h.Len())

	require.ErrorIs(t, h.TruncateLastPair(), ErrNoTrailingPair)
}

func TestTitleFromURI(t *testing.T) {
	require.Equal(t, "doc.pdf", TitleFromURI("https://x/y/doc.pdf"))
	require.Equal(t, "doc1.pdf", TitleFromURI("s3://bucket/doc1.pdf"))
	require.Equal(t, "plain", TitleFromURI("plain"))
	require.Equal(t, "bucket", TitleFromURI("s3://bucket/"))
}

func TestTurn_SourcesFromDecodedJSON(t *testing.T) {
	turn := NewAssistantTurn("answer", WithMetadata(Metadata{
		SourcesKey: []interface{}{
			map[string]interface{}{"title": "Doc", "uri": "s3://b/doc.pdf"},
		},
	}))
	sources := turn.Sources()
	require.Len(t, sources, 1)
	require.Equal(t, "Doc", sources[0].Title)
	require.Equal(t, "s3://b/doc.pdf", sources[0].URI)
}
