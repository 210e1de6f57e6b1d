package session

import (
	"sync"
)

// TurnHandle represents one in-flight turn. It carries the terminal-state
// flag that every late callback (the timeout timer, a trailing transport
// chunk) must check before mutating shared state.
type TurnHandle struct {
	TurnID string

	done chan struct{}

	mu    sync.Mutex
	state State
}

func newTurnHandle(turnID string) *TurnHandle {
	return &TurnHandle{
		TurnID: turnID,
		done:   make(chan struct{}),
		state:  StateSubmitting,
	}
}

func (h *TurnHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until the turn reaches a terminal state and returns it.
func (h *TurnHandle) Wait() State {
	<-h.done
	return h.State()
}

// markStreaming transitions Submitting into Streaming on the first content
// chunk. A no-op in any other state.
func (h *TurnHandle) markStreaming() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateSubmitting {
		h.state = StateStreaming
	}
}

// resolve moves the turn into a terminal state. The first caller wins;
// whoever loses the race gets false and must not touch the history.
func (h *TurnHandle) resolve(terminal State) bool {
	if !terminal.Terminal() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = terminal
	close(h.done)
	return true
}

func (h *TurnHandle) terminal() bool {
	return h.State().Terminal()
}
