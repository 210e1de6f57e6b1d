package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/auth"
	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/reconcile"
	"github.com/go-go-golems/marionette/pkg/transport"
)

type fakeTransport struct {
	openFunc func(ctx context.Context, req transport.OpenRequest) (transport.Handle, error)
}

func (f *fakeTransport) Open(ctx context.Context, req transport.OpenRequest) (transport.Handle, error) {
	return f.openFunc(ctx, req)
}

type fakeHandle struct {
	chunks  chan transport.Chunk
	aborted chan struct{}
	once    sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		chunks:  make(chan transport.Chunk, 16),
		aborted: make(chan struct{}),
	}
}

func (h *fakeHandle) Chunks() <-chan transport.Chunk { return h.chunks }

func (h *fakeHandle) Abort() {
	h.once.Do(func() { close(h.aborted) })
}

type capturingNotifier struct {
	mu    sync.Mutex
	kinds []events.NotifyKind
	msgs  []string
}

func (n *capturingNotifier) Notify(kind events.NotifyKind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	n.msgs = append(n.msgs, message)
}

func (n *capturingNotifier) last() (events.NotifyKind, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.kinds) == 0 {
		return "", ""
	}
	return n.kinds[len(n.kinds)-1], n.msgs[len(n.msgs)-1]
}

type capturingPublisher struct {
	ch chan *message.Message
}

func (p *capturingPublisher) Publish(topic string, msgs ...*message.Message) error {
	for _, msg := range msgs {
		p.ch <- msg
	}
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

type fetcherFunc func(ctx context.Context, sessionID, userID string) ([]reconcile.PersistedRecord, error)

func (f fetcherFunc) GetSession(ctx context.Context, sessionID, userID string) ([]reconcile.PersistedRecord, error) {
	return f(ctx, sessionID, userID)
}

func newTestSupervisor(t *testing.T, tr transport.Transport, options ...SupervisorOption) (*Supervisor, *capturingNotifier) {
	t.Helper()
	notifier := &capturingNotifier{}
	options = append([]SupervisorOption{WithNotifier(notifier)}, options...)
	s := NewSupervisor(tr, auth.Static("test-token"), options...)
	s.BindSession("session-1", "user-1", "doc-1")
	return s, notifier
}

func TestSubmitStreamsFullTurn(t *testing.T) {
	handle := newFakeHandle()
	var gotReq transport.OpenRequest
	tr := &fakeTransport{
		openFunc: func(_ context.Context, req transport.OpenRequest) (transport.Handle, error) {
			gotReq = req
			return handle, nil
		},
	}
	s, _ := newTestSupervisor(t, tr)

	require.NoError(t, s.LoadHistory(context.Background(), fetcherFunc(
		func(context.Context, string, string) ([]reconcile.PersistedRecord, error) {
			return nil, nil
		})))
	require.Equal(t, 1, s.History().Len())

	th, err := s.Submit(context.Background(), "Tell me about the Springfield Housing Authority grant")
	require.NoError(t, err)

	assert.Equal(t, "test-token", gotReq.Credential)
	assert.Equal(t, "session-1", gotReq.SessionID)
	assert.Equal(t, "doc-1", gotReq.DocumentIdentifier)
	// the seeded greeting never travels to the backend
	assert.Empty(t, gotReq.History)

	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "Great, "}
	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "thanks"}
	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "!"}
	handle.chunks <- transport.Chunk{Kind: transport.ChunkSources, Sources: []conversation.Source{
		{Title: "doc1.pdf", URI: "s3://bucket/doc1.pdf"},
	}}
	close(handle.chunks)

	require.Equal(t, StateCompleted, th.Wait())

	turns := s.History().Snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, conversation.RoleAssistant, turns[0].Role)
	assert.Equal(t, SeedGreeting, turns[0].Content)
	assert.Equal(t, conversation.RoleHuman, turns[1].Role)
	assert.Equal(t, conversation.RoleAssistant, turns[2].Role)
	assert.Equal(t, "Great, thanks!", turns[2].Content)
	sources := turns[2].Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, "doc1.pdf", sources[0].Title)
}

func TestSubmitRejectsWhileTurnActive(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	s, notifier := newTestSupervisor(t, tr)

	th, err := s.Submit(context.Background(), "first question")
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "second question")
	require.ErrorIs(t, err, ErrTurnActive)
	kind, _ := notifier.last()
	assert.Equal(t, events.NotifyValidation, kind)

	// the rejected submission must not have touched the history
	require.Equal(t, 2, s.History().Len())

	close(handle.chunks)
	require.Equal(t, StateCompleted, th.Wait())

	// once the first turn is terminal, a new one is accepted again
	handle2 := newFakeHandle()
	tr.openFunc = func(context.Context, transport.OpenRequest) (transport.Handle, error) {
		return handle2, nil
	}
	_, err = s.Submit(context.Background(), "second question")
	require.NoError(t, err)
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	s, notifier := newTestSupervisor(t, &fakeTransport{})

	_, err := s.Submit(context.Background(), "   \n ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	kind, _ := notifier.last()
	assert.Equal(t, events.NotifyValidation, kind)
	assert.Equal(t, 0, s.History().Len())
}

func TestSubmitRejectsWithoutDocument(t *testing.T) {
	notifier := &capturingNotifier{}
	s := NewSupervisor(&fakeTransport{}, auth.Static("t"), WithNotifier(notifier))

	_, err := s.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNoDocument)
}

func TestSubmitAuthFailureLeavesHistoryUntouched(t *testing.T) {
	notifier := &capturingNotifier{}
	tokens := auth.TokenProviderFunc(func(context.Context) (string, error) {
		return "", errors.New("refresh failed")
	})
	s := NewSupervisor(&fakeTransport{}, tokens, WithNotifier(notifier))
	s.BindSession("session-1", "user-1", "doc-1")

	_, err := s.Submit(context.Background(), "hello")
	require.Error(t, err)
	kind, _ := notifier.last()
	assert.Equal(t, events.NotifyAuth, kind)
	assert.Equal(t, 0, s.History().Len())
}

func TestTimeoutReplacesPlaceholderAndIgnoresLateChunks(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	s, _ := newTestSupervisor(t, tr, WithTurnTimeout(30*time.Millisecond))

	th, err := s.Submit(context.Background(), "slow question")
	require.NoError(t, err)

	require.Equal(t, StateTimedOut, th.Wait())

	select {
	case <-handle.aborted:
	case <-time.After(time.Second):
		t.Fatal("timeout did not abort the connection")
	}

	// a chunk that raced the timer and lost must be dropped
	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "too late"}
	close(handle.chunks)
	time.Sleep(20 * time.Millisecond)

	turns := s.History().Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, TimeoutMessage, turns[1].Content)
	assert.Equal(t, StateIdle, s.State())
}

func TestTransportErrorPreservesPartialContent(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	s, notifier := newTestSupervisor(t, tr)

	th, err := s.Submit(context.Background(), "question")
	require.NoError(t, err)

	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "partial answer"}
	handle.chunks <- transport.Chunk{Kind: transport.ChunkError, Err: errors.New("backend exploded")}
	close(handle.chunks)

	require.Equal(t, StateFailed, th.Wait())

	turns := s.History().Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, "partial answer", turns[1].Content)

	kind, msg := notifier.last()
	assert.Equal(t, events.NotifyTransport, kind)
	assert.Contains(t, msg, "backend exploded")
}

func TestFirstTurnSchedulesSessionsRefresh(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	pub := &capturingPublisher{ch: make(chan *message.Message, 32)}
	s, _ := newTestSupervisor(t, tr, WithRefreshDelay(10*time.Millisecond))
	s.Publisher().SubscribePublisher("chat", pub)

	th, err := s.Submit(context.Background(), "first question")
	require.NoError(t, err)
	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "answer"}
	close(handle.chunks)
	require.Equal(t, StateCompleted, th.Wait())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-pub.ch:
			e, err := events.NewEventFromJson(msg.Payload)
			require.NoError(t, err)
			if e.Type() == events.EventTypeSessionsRefresh {
				return
			}
		case <-deadline:
			t.Fatal("no sessions-refresh event observed")
		}
	}
}

func TestEventOrderingMatchesHistoryMutations(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	pub := &capturingPublisher{ch: make(chan *message.Message, 32)}
	s, _ := newTestSupervisor(t, tr)
	s.Publisher().SubscribePublisher("chat", pub)

	th, err := s.Submit(context.Background(), "question")
	require.NoError(t, err)
	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "a"}
	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "b"}
	close(handle.chunks)
	require.Equal(t, StateCompleted, th.Wait())

	var types []events.EventType
	var completions []string
	deadline := time.After(2 * time.Second)
	for len(types) < 4 {
		select {
		case msg := <-pub.ch:
			e, err := events.NewEventFromJson(msg.Payload)
			require.NoError(t, err)
			types = append(types, e.Type())
			if p, ok := e.(*events.EventPartialCompletion); ok {
				completions = append(completions, p.Completion)
			}
		case <-deadline:
			t.Fatalf("only observed %d events", len(types))
		}
	}

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
	}, types)
	assert.Equal(t, []string{"a", "ab"}, completions)
}

func TestBindSessionAbortsInFlightTurn(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	s, _ := newTestSupervisor(t, tr)

	_, err := s.Submit(context.Background(), "question")
	require.NoError(t, err)

	s.BindSession("session-2", "user-1", "doc-2")

	select {
	case <-handle.aborted:
	case <-time.After(time.Second):
		t.Fatal("rebinding did not abort the in-flight connection")
	}
	assert.Equal(t, 0, s.History().Len())
	assert.Equal(t, "session-2", s.SessionID())
}

type fakeRecorder struct {
	mu      sync.Mutex
	added   []string
	updated []string
}

func (r *fakeRecorder) AddSession(_ context.Context, sessionID, _, _, _ string, _ reconcile.LegacyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, sessionID)
	return nil
}

func (r *fakeRecorder) UpdateSession(_ context.Context, sessionID, _ string, _ []reconcile.LegacyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, sessionID)
	return nil
}

// Two submissions racing through the unlocked token fetch must still yield
// exactly one accepted turn and one opened connection.
func TestConcurrentSubmitsOpenOneConnection(t *testing.T) {
	gate := make(chan struct{})
	tokens := auth.TokenProviderFunc(func(context.Context) (string, error) {
		<-gate
		return "tok", nil
	})

	var opened atomic.Int32
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			opened.Add(1)
			return handle, nil
		},
	}
	notifier := &capturingNotifier{}
	s := NewSupervisor(tr, tokens, WithNotifier(notifier))
	s.BindSession("session-1", "user-1", "doc-1")

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Submit(context.Background(), "question")
			errs <- err
		}()
	}
	close(gate)

	var accepted, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			accepted++
		case errors.Is(err, ErrTurnActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, 1, rejected)

	close(handle.chunks)
	assert.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), opened.Load())
	// the rejected submission never appended its pair
	assert.Equal(t, 2, s.History().Len())
}

func TestAuthFailureFreesActiveSlot(t *testing.T) {
	failOnce := true
	tokens := auth.TokenProviderFunc(func(context.Context) (string, error) {
		if failOnce {
			failOnce = false
			return "", errors.New("refresh failed")
		}
		return "tok", nil
	})
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	s := NewSupervisor(tr, tokens, WithNotifier(&capturingNotifier{}))
	s.BindSession("session-1", "user-1", "doc-1")

	_, err := s.Submit(context.Background(), "first")
	require.Error(t, err)

	// the failed attempt must not leave a stale in-flight turn behind
	_, err = s.Submit(context.Background(), "second")
	require.NoError(t, err)
}

// Switching sessions discards the in-flight turn: the draining connection
// must not finalize it as a completion, publish a final event, or persist
// the partial exchange.
func TestBindSessionDiscardsTurnWithoutCompletion(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	recorder := &fakeRecorder{}
	pub := &capturingPublisher{ch: make(chan *message.Message, 32)}
	s, _ := newTestSupervisor(t, tr, WithRecorder(recorder), WithRefreshDelay(5*time.Millisecond))
	s.Publisher().SubscribePublisher("chat", pub)

	th, err := s.Submit(context.Background(), "question")
	require.NoError(t, err)
	handle.chunks <- transport.Chunk{Kind: transport.ChunkContent, Text: "partial"}

	s.BindSession("session-2", "user-1", "doc-2")
	close(handle.chunks)

	require.NotEqual(t, StateCompleted, th.Wait())

	time.Sleep(50 * time.Millisecond)
	recorder.mu.Lock()
	added := len(recorder.added)
	recorder.mu.Unlock()
	assert.Zero(t, added)

	for {
		select {
		case msg := <-pub.ch:
			e, err := events.NewEventFromJson(msg.Payload)
			require.NoError(t, err)
			assert.NotEqual(t, events.EventTypeFinal, e.Type())
			assert.NotEqual(t, events.EventTypeSessionsRefresh, e.Type())
		default:
			return
		}
	}
}

// A first turn that times out never created the session server-side, so no
// refresh signal may announce it.
func TestTimedOutFirstTurnDoesNotScheduleRefresh(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{
		openFunc: func(context.Context, transport.OpenRequest) (transport.Handle, error) {
			return handle, nil
		},
	}
	pub := &capturingPublisher{ch: make(chan *message.Message, 32)}
	s, _ := newTestSupervisor(t, tr,
		WithTurnTimeout(20*time.Millisecond),
		WithRefreshDelay(5*time.Millisecond))
	s.Publisher().SubscribePublisher("chat", pub)

	th, err := s.Submit(context.Background(), "slow question")
	require.NoError(t, err)
	require.Equal(t, StateTimedOut, th.Wait())
	close(handle.chunks)

	time.Sleep(60 * time.Millisecond)
	for {
		select {
		case msg := <-pub.ch:
			e, err := events.NewEventFromJson(msg.Payload)
			require.NoError(t, err)
			assert.NotEqual(t, events.EventTypeSessionsRefresh, e.Type())
		default:
			return
		}
	}
}

func TestLoadHistoryReconcilesPersistedRecords(t *testing.T) {
	s, _ := newTestSupervisor(t, &fakeTransport{})

	records := []reconcile.PersistedRecord{
		reconcile.LegacyPairRecord(reconcile.LegacyPair{User: "", Chatbot: "Hello! How can I assist you today?"}),
		reconcile.LegacyPairRecord(reconcile.LegacyPair{User: "hi", Chatbot: "hello there"}),
	}
	require.NoError(t, s.LoadHistory(context.Background(), fetcherFunc(
		func(context.Context, string, string) ([]reconcile.PersistedRecord, error) {
			return records, nil
		})))

	turns := s.History().Snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, conversation.RoleAssistant, turns[0].Role)
	assert.Equal(t, "hi", turns[1].Content)
	assert.Equal(t, "hello there", turns[2].Content)
}
