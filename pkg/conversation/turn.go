package conversation

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleHuman     Role = "Human"
	RoleAssistant Role = "Assistant"
)

// Metadata is an open mapping attached to a turn. Values are plain JSON
// primitives and arrays so the whole map round-trips through the wire and
// the persistence layer unchanged.
type Metadata map[string]interface{}

// SourcesKey is the metadata key under which citation records are stored.
const SourcesKey = "Sources"

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	ret := make(Metadata, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}

// Source is a single citation record attached to an assistant turn.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Turn is a single conversational entry. Assistant content grows
// incrementally while a response is streaming; once the turn resolves it is
// treated as immutable.
type Turn struct {
	Role     Role     `json:"type"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata,omitempty"`
}

type TurnOption func(*Turn)

func WithMetadata(metadata Metadata) TurnOption {
	return func(t *Turn) {
		t.Metadata = metadata
	}
}

func NewTurn(role Role, content string, options ...TurnOption) *Turn {
	ret := &Turn{
		Role:     role,
		Content:  content,
		Metadata: Metadata{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func NewHumanTurn(content string, options ...TurnOption) *Turn {
	return NewTurn(RoleHuman, content, options...)
}

func NewAssistantTurn(content string, options ...TurnOption) *Turn {
	return NewTurn(RoleAssistant, content, options...)
}

func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	ret := *t
	ret.Metadata = t.Metadata.Clone()
	return &ret
}

// Sources extracts the citation records stored under SourcesKey. It accepts
// both []Source values set in-process and the []interface{} shape produced
// by JSON decoding.
func (t *Turn) Sources() []Source {
	if t == nil || t.Metadata == nil {
		return nil
	}
	switch v := t.Metadata[SourcesKey].(type) {
	case []Source:
		return v
	case []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var sources []Source
		if err := json.Unmarshal(b, &sources); err != nil {
			return nil
		}
		return sources
	default:
		return nil
	}
}

// TitleFromURI derives a display title from the trailing path segment of a
// source URI. Used when the backend sends citation records with empty titles.
func TitleFromURI(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx+1 < len(trimmed) {
		return trimmed[idx+1:]
	}
	return trimmed
}

// FillSourceTitles synthesizes titles for sources that arrived without one.
func FillSourceTitles(sources []Source) []Source {
	ret := make([]Source, len(sources))
	for i, s := range sources {
		if s.Title == "" {
			s.Title = TitleFromURI(s.URI)
		}
		ret[i] = s
	}
	return ret
}
