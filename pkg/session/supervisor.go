package session

// Package session owns the lifecycle of conversational turns: submit
// validation, the streaming state machine, the timeout racing the
// transport, and keeping the history model consistent under success,
// failure, and timeout. At most one turn is in flight per session; a second
// submission while one is active is rejected, not queued.

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/auth"
	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/reconcile"
	"github.com/go-go-golems/marionette/pkg/transport"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoDocument   = errors.New("no document or session context is bound")
	ErrTurnActive   = errors.New("a turn is already in flight for this session")
	ErrNoTransport  = errors.New("transport is not configured")
)

const (
	// DefaultTurnTimeout is the wall-clock budget for one turn, racing the
	// transport end to end.
	DefaultTurnTimeout = 60 * time.Second
	// DefaultRefreshDelay is how long after the first turn's connection
	// closes the session-list refresh signal fires.
	DefaultRefreshDelay = 1500 * time.Millisecond

	// TimeoutMessage replaces the assistant placeholder when the turn
	// timer wins the race.
	TimeoutMessage = "Response timed out!"

	// DefaultSystemPrompt is the fixed instruction sent with every turn.
	DefaultSystemPrompt = "You are an AI assistant that helps users draft and refine grant application" +
		" responses. Answer questions using only the retrieved reference documents and cite the" +
		" documents you relied on."

	// SeedGreeting is the assistant-only turn materialized client-side
	// when a session loads with no persisted history.
	SeedGreeting = "Hello! How can I assist you today?"
)

// Recorder persists completed exchanges back to the session store. The
// supervisor calls it fire-and-forget after a turn completes.
type Recorder interface {
	AddSession(ctx context.Context, sessionID, userID, title, documentID string, entry reconcile.LegacyPair) error
	UpdateSession(ctx context.Context, sessionID, userID string, entries []reconcile.LegacyPair) error
}

// Fetcher loads persisted history for a session. A nil record slice means
// the session does not exist yet.
type Fetcher interface {
	GetSession(ctx context.Context, sessionID, userID string) ([]reconcile.PersistedRecord, error)
}

type Supervisor struct {
	transport transport.Transport
	tokens    auth.TokenProvider
	publisher *events.PublisherManager
	notifier  Notifier
	recorder  Recorder

	turnTimeout  time.Duration
	refreshDelay time.Duration

	retrievalSource string
	projectID       string
	systemPrompt    string

	mu         sync.Mutex
	history    *conversation.History
	sessionID  string
	userID     string
	documentID string
	active     *TurnHandle
	abortConn  func()
}

type SupervisorOption func(*Supervisor)

func WithTurnTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.turnTimeout = d
	}
}

func WithRefreshDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.refreshDelay = d
	}
}

func WithNotifier(n Notifier) SupervisorOption {
	return func(s *Supervisor) {
		s.notifier = n
	}
}

func WithPublisher(pm *events.PublisherManager) SupervisorOption {
	return func(s *Supervisor) {
		s.publisher = pm
	}
}

func WithRecorder(r Recorder) SupervisorOption {
	return func(s *Supervisor) {
		s.recorder = r
	}
}

func WithRetrievalSource(source string) SupervisorOption {
	return func(s *Supervisor) {
		s.retrievalSource = source
	}
}

func WithProjectID(projectID string) SupervisorOption {
	return func(s *Supervisor) {
		s.projectID = projectID
	}
}

func WithSystemPrompt(prompt string) SupervisorOption {
	return func(s *Supervisor) {
		s.systemPrompt = prompt
	}
}

func NewSupervisor(t transport.Transport, tokens auth.TokenProvider, options ...SupervisorOption) *Supervisor {
	ret := &Supervisor{
		transport:    t,
		tokens:       tokens,
		publisher:    events.NewPublisherManager(),
		notifier:     nopNotifier{},
		turnTimeout:  DefaultTurnTimeout,
		refreshDelay: DefaultRefreshDelay,
		systemPrompt: DefaultSystemPrompt,
		history:      conversation.NewHistory(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (s *Supervisor) History() *conversation.History {
	return s.history
}

func (s *Supervisor) Publisher() *events.PublisherManager {
	return s.publisher
}

func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State reports the current turn state, StateIdle when no turn is active.
func (s *Supervisor) State() State {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return StateIdle
	}
	st := active.State()
	if st.Terminal() {
		return StateIdle
	}
	return st
}

// BindSession points the supervisor at a session and document. Any in-flight
// turn is discarded immediately, without waiting for it to drain; the old
// history is replaced wholesale.
func (s *Supervisor) BindSession(sessionID, userID, documentID string) {
	s.mu.Lock()
	active := s.active
	abort := s.abortConn
	s.sessionID = sessionID
	s.userID = userID
	s.documentID = documentID
	s.active = nil
	s.abortConn = nil
	s.history = conversation.NewHistory()
	s.mu.Unlock()

	// Resolve before closing the connection so the late channel-close in
	// the run loop is a guarded no-op: a discarded turn must not be
	// finalized as a completion, published, or persisted.
	if active != nil {
		active.resolve(StateFailed)
	}
	if abort != nil {
		abort()
	}
}

// NewSession binds a fresh client-generated session id.
func (s *Supervisor) NewSession(userID, documentID string) string {
	sessionID := uuid.NewString()
	s.BindSession(sessionID, userID, documentID)
	return sessionID
}

// LoadHistory fetches the persisted history for the bound session, runs it
// through the reconciler, and replaces the model. A session with no
// persisted history gets the seeded assistant greeting.
func (s *Supervisor) LoadHistory(ctx context.Context, fetcher Fetcher) error {
	s.mu.Lock()
	sessionID := s.sessionID
	userID := s.userID
	history := s.history
	s.mu.Unlock()

	records, err := fetcher.GetSession(ctx, sessionID, userID)
	if err != nil {
		return errors.Wrap(err, "load session history")
	}

	turns := reconcile.Reconcile(records)
	if len(turns) == 0 {
		turns = []*conversation.Turn{conversation.NewAssistantTurn(SeedGreeting)}
	}
	history.ReplaceAll(turns)
	return nil
}

// Submit starts one turn. Rejections (empty text, missing context, a turn
// already in flight, missing transport) surface a distinct notification and
// leave the history untouched. On acceptance the human turn and the
// assistant placeholder are appended, the transport is opened, and the turn
// timer starts racing the stream.
func (s *Supervisor) Submit(ctx context.Context, text string) (*TurnHandle, error) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if s.transport == nil {
		s.mu.Unlock()
		s.notifier.Notify(events.NotifyValidation, "The chat backend is not configured.")
		return nil, ErrNoTransport
	}
	if s.sessionID == "" || s.documentID == "" {
		s.mu.Unlock()
		s.notifier.Notify(events.NotifyValidation, "Please select a document before asking a question.")
		return nil, ErrNoDocument
	}
	if s.active != nil && !s.active.terminal() {
		s.mu.Unlock()
		s.notifier.Notify(events.NotifyValidation, "Please wait for the assistant to finish responding.")
		return nil, ErrTurnActive
	}
	if text == "" {
		s.mu.Unlock()
		s.notifier.Notify(events.NotifyValidation, "Please enter a message.")
		return nil, ErrEmptyMessage
	}
	sessionID := s.sessionID
	userID := s.userID
	documentID := s.documentID
	history := s.history
	// Reserve the active slot before releasing the lock. The token fetch
	// and the dial below run unlocked; a second Submit arriving in that
	// window must see this turn as already in flight.
	th := newTurnHandle(uuid.NewString())
	s.active = th
	s.mu.Unlock()

	// Fresh credential for every turn, never cached across turns.
	token, err := s.tokens.Token(ctx)
	if err != nil {
		th.resolve(StateFailed)
		s.notifier.Notify(events.NotifyAuth, "Could not authenticate the chat session.")
		return nil, errors.Wrap(err, "fetch turn credential")
	}

	// A brand-new session still only holds the seeded greeting.
	firstTurn := history.Len() <= 1
	priorPairs := reconcile.ToLegacyPairs(history.Snapshot())

	if err := history.AppendPair(conversation.NewHumanTurn(text), conversation.NewAssistantTurn("")); err != nil {
		th.resolve(StateFailed)
		return nil, err
	}

	handle, err := s.transport.Open(ctx, transport.OpenRequest{
		SessionID:          sessionID,
		UserID:             userID,
		UserMessage:        text,
		RetrievalSource:    s.retrievalSource,
		DocumentIdentifier: documentID,
		ProjectID:          s.projectID,
		SystemPrompt:       s.systemPrompt,
		History:            priorPairs,
		Credential:         token,
	})
	if err != nil {
		th.resolve(StateFailed)
		s.notifier.Notify(events.NotifyTransport, err.Error())
		log.Error().Err(err).Str("session_id", sessionID).Msg("could not open turn transport")
		return th, nil
	}

	s.mu.Lock()
	if s.active != th {
		// the session was rebound while the connection was opening
		s.mu.Unlock()
		handle.Abort()
		return th, nil
	}
	s.abortConn = handle.Abort
	s.mu.Unlock()

	go s.run(th, handle, runContext{
		sessionID:  sessionID,
		userID:     userID,
		documentID: documentID,
		userText:   text,
		history:    history,
		firstTurn:  firstTurn,
	})

	return th, nil
}

type runContext struct {
	sessionID  string
	userID     string
	documentID string
	userText   string
	history    *conversation.History
	firstTurn  bool
}

// run drives one turn to a terminal state. All transport chunks, the turn
// timer, and the close event funnel through this loop, so history mutations
// happen strictly in arrival order.
func (s *Supervisor) run(th *TurnHandle, handle transport.Handle, rc runContext) {
	meta := events.EventMetadata{SessionID: rc.sessionID, TurnID: th.TurnID}
	s.publisher.PublishBlind(events.NewStartEvent(meta))

	timer := time.NewTimer(s.turnTimeout)
	defer timer.Stop()

	completion := ""
	var sources []conversation.Source

	for {
		select {
		case chunk, ok := <-handle.Chunks():
			if !ok {
				// Connection closed. If nothing terminal happened yet,
				// the turn completed with exactly what accumulated.
				if th.resolve(StateCompleted) {
					s.publisher.PublishBlind(events.NewFinalEvent(meta, completion, sources))
					s.afterClose(th, rc, completion, sources)
				}
				return
			}
			if th.terminal() {
				// Late chunk after timeout or error: drain and drop.
				continue
			}
			switch chunk.Kind {
			case transport.ChunkContent:
				th.markStreaming()
				completion += chunk.Text
				if err := rc.history.AppendToLastAssistant(chunk.Text); err != nil {
					log.Warn().Err(err).Msg("dropping streamed chunk")
					continue
				}
				s.publisher.PublishBlind(events.NewPartialCompletionEvent(meta, chunk.Text, completion))
			case transport.ChunkSources:
				sources = chunk.Sources
				if err := rc.history.SetLastAssistantMetadata(conversation.Metadata{
					conversation.SourcesKey: sources,
				}); err != nil {
					log.Warn().Err(err).Msg("dropping citation metadata")
				}
			case transport.ChunkError:
				if th.resolve(StateFailed) {
					// Partial tokens already streamed stay in the history.
					handle.Abort()
					s.notifier.Notify(events.NotifyTransport, chunk.Err.Error())
					s.publisher.PublishBlind(events.NewErrorEvent(meta, chunk.Err))
				}
			}
		case <-timer.C:
			if th.resolve(StateTimedOut) {
				handle.Abort()
				if err := rc.history.SetLastAssistantContent(TimeoutMessage); err != nil {
					log.Warn().Err(err).Msg("could not place timeout message")
				}
				s.publisher.PublishBlind(events.NewTimeoutEvent(meta, TimeoutMessage))
			}
		}
	}
}

// afterClose runs the side effects of a completed turn: the first-turn
// session-list refresh signal and persisting the exchange.
func (s *Supervisor) afterClose(th *TurnHandle, rc runContext, completion string, sources []conversation.Source) {
	s.scheduleRefresh(rc)

	if s.recorder == nil {
		return
	}
	entry := reconcile.LegacyPair{
		User:    rc.userText,
		Chatbot: completion,
	}
	if len(sources) > 0 {
		if b, err := json.Marshal(conversation.Metadata{conversation.SourcesKey: sources}); err == nil {
			entry.Metadata = b
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if rc.firstTurn {
			err = s.recorder.AddSession(ctx, rc.sessionID, rc.userID, sessionTitle(rc.userText), rc.documentID, entry)
		} else {
			err = s.recorder.UpdateSession(ctx, rc.sessionID, rc.userID, []reconcile.LegacyPair{entry})
		}
		if err != nil {
			log.Warn().Err(err).Str("session_id", rc.sessionID).Msg("could not persist exchange")
		}
	}()
}

// scheduleRefresh fires the session-list refresh signal shortly after the
// first completed turn of a brand-new session closes its connection, so
// listing collaborators learn the session now exists server-side. Failed
// and timed-out first turns never ran AddSession, so there is nothing to
// announce.
func (s *Supervisor) scheduleRefresh(rc runContext) {
	if !rc.firstTurn {
		return
	}
	meta := events.EventMetadata{SessionID: rc.sessionID}
	time.AfterFunc(s.refreshDelay, func() {
		s.publisher.PublishBlind(events.NewSessionsRefreshEvent(meta))
	})
}

func sessionTitle(userText string) string {
	title := strings.TrimSpace(userText)
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}
