package conversation

// Package conversation holds the canonical in-memory model of a chat
// session: an ordered, append-only sequence of turns where every human turn
// is immediately followed by exactly one assistant turn (a placeholder while
// the response streams, a synthesized message when the exchange failed).
//
// History is the single mutable sequence for the active session. The
// supervisor mutates it incrementally while a turn streams; rendering layers
// only ever see read-only snapshots. Ordering is guaranteed solely by append
// discipline: no reordering or deduplication is ever performed.

import (
	"errors"
	"sync"
)

var (
	ErrEmptyHistory       = errors.New("history is empty")
	ErrNoAssistantTail    = errors.New("last history entry is not an assistant turn")
	ErrPairRoles          = errors.New("appendPair requires a human turn followed by an assistant turn")
	ErrNoTrailingPair     = errors.New("history does not end in a human/assistant pair")
)

type History struct {
	mu    sync.Mutex
	turns []*Turn
}

func NewHistory(turns ...*Turn) *History {
	h := &History{}
	if len(turns) > 0 {
		h.ReplaceAll(turns)
	}
	return h
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Snapshot returns a deep copy of the current turn sequence. Mutating the
// returned turns does not affect the model.
func (h *History) Snapshot() []*Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	ret := make([]*Turn, len(h.turns))
	for i, t := range h.turns {
		ret[i] = t.Clone()
	}
	return ret
}

// ReplaceAll swaps the entire sequence. Used on session load after
// reconciliation and on session switch; it always fully replaces, never
// merges.
func (h *History) ReplaceAll(turns []*Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = make([]*Turn, len(turns))
	for i, t := range turns {
		h.turns[i] = t.Clone()
	}
}

// Append adds a single turn at the tail. Used for the seeded greeting of a
// brand-new session.
func (h *History) Append(t *Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t.Clone())
}

// AppendPair appends a human turn and its assistant placeholder atomically.
func (h *History) AppendPair(human, assistant *Turn) error {
	if human == nil || assistant == nil || human.Role != RoleHuman || assistant.Role != RoleAssistant {
		return ErrPairRoles
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, human.Clone(), assistant.Clone())
	return nil
}

// AppendToLastAssistant appends streamed content to the assistant turn at
// the tail.
func (h *History) AppendToLastAssistant(delta string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	tail, err := h.assistantTail()
	if err != nil {
		return err
	}
	tail.Content += delta
	return nil
}

// SetLastAssistantContent replaces the tail assistant turn's content
// wholesale, used by the timeout path.
func (h *History) SetLastAssistantContent(content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	tail, err := h.assistantTail()
	if err != nil {
		return err
	}
	tail.Content = content
	return nil
}

// SetLastAssistantMetadata replaces the tail assistant turn's metadata
// wholesale.
func (h *History) SetLastAssistantMetadata(metadata Metadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	tail, err := h.assistantTail()
	if err != nil {
		return err
	}
	tail.Metadata = metadata.Clone()
	return nil
}

// TruncateLastPair removes the trailing human/assistant pair, used when a
// failed exchange has to be rebuilt in place.
func (h *History) TruncateLastPair() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.turns)
	if n < 2 || h.turns[n-1].Role != RoleAssistant || h.turns[n-2].Role != RoleHuman {
		return ErrNoTrailingPair
	}
	h.turns = h.turns[:n-2]
	return nil
}

func (h *History) assistantTail() (*Turn, error) {
	if len(h.turns) == 0 {
		return nil, ErrEmptyHistory
	}
	tail := h.turns[len(h.turns)-1]
	if tail.Role != RoleAssistant {
		return nil, ErrNoAssistantTail
	}
	return tail, nil
}
