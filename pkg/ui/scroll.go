package ui

import "sync"

// ScrollCoordinator arbitrates between the stream auto-scrolling the chat
// view and the user scrolling back to reread earlier turns. Once the user
// scrolls away from the bottom, streaming must stop yanking the view down;
// submitting a new message hands control back to auto-scroll.
//
// Programmatic scrolls raise the same scroll events as user input, so every
// auto-scroll is preceded by arming a one-shot skip flag. The next scroll
// event consumes the flag instead of flipping the override.
type ScrollCoordinator struct {
	mu           sync.Mutex
	userScrolled bool
	skipNext     bool
}

func NewScrollCoordinator() *ScrollCoordinator {
	return &ScrollCoordinator{}
}

// WillAutoScroll arms the skip flag. Call immediately before every
// programmatic scroll-to-bottom.
func (c *ScrollCoordinator) WillAutoScroll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipNext = true
}

// OnScroll records one scroll event. Returns true when the event counts as
// the user taking over, false when it was the echo of a programmatic scroll
// or the user is back at the bottom.
func (c *ScrollCoordinator) OnScroll(atBottom bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.skipNext {
		c.skipNext = false
		return false
	}
	c.userScrolled = !atBottom
	return c.userScrolled
}

// OnSubmit re-enables auto-scroll for the next turn.
func (c *ScrollCoordinator) OnSubmit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userScrolled = false
	c.skipNext = false
}

// ShouldAutoScroll reports whether streamed content may move the view.
func (c *ScrollCoordinator) ShouldAutoScroll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.userScrolled
}
