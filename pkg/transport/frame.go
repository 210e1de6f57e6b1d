package transport

import (
	"encoding/json"
	"strings"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/reconcile"
)

// turnFrame is the single request object sent after the connection opens.
// Field names are fixed by the backend contract.
type turnFrame struct {
	Action string        `json:"action"`
	Data   turnFrameData `json:"data"`
}

type turnFrameData struct {
	UserMessage        string                  `json:"userMessage"`
	ChatHistory        []reconcile.LegacyPair  `json:"chatHistory"`
	SystemPrompt       string                  `json:"systemPrompt"`
	ProjectID          string                  `json:"projectId"`
	UserID             string                  `json:"user_id"`
	SessionID          string                  `json:"session_id"`
	RetrievalSource    string                  `json:"retrievalSource"`
	DocumentIdentifier string                  `json:"documentIdentifier"`
}

const actionGetChatbotResponse = "getChatbotResponse"

func newTurnFrame(req OpenRequest) turnFrame {
	history := req.History
	if history == nil {
		history = []reconcile.LegacyPair{}
	}
	return turnFrame{
		Action: actionGetChatbotResponse,
		Data: turnFrameData{
			UserMessage:        req.UserMessage,
			ChatHistory:        history,
			SystemPrompt:       req.SystemPrompt,
			ProjectID:          req.ProjectID,
			UserID:             req.UserID,
			SessionID:          req.SessionID,
			RetrievalSource:    req.RetrievalSource,
			DocumentIdentifier: req.DocumentIdentifier,
		},
	}
}

func containsErrorSentinel(raw string) bool {
	return strings.Contains(raw, ErrorSentinel)
}

func stripErrorSentinel(raw string) string {
	msg := strings.TrimSpace(strings.ReplaceAll(raw, ErrorSentinel, ""))
	if msg == "" {
		msg = "the server reported an error"
	}
	return msg
}

// parseSources decodes the accumulated metadata-mode buffer as one JSON
// array of citation records, synthesizing titles from the source URI when
// the backend sent none.
func parseSources(buf string) ([]conversation.Source, bool) {
	var sources []conversation.Source
	if err := json.Unmarshal([]byte(buf), &sources); err != nil {
		return nil, false
	}
	return conversation.FillSourceTitles(sources), true
}
