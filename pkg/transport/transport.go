package transport

// Package transport frames one conversational turn as a single short-lived
// WebSocket connection and demultiplexes the response stream into content
// chunks and trailing citation metadata.
//
// The stream protocol is sentinel-based: content chunks arrive as plain
// text, a chunk containing ErrorSentinel aborts the turn, and a chunk equal
// to EOFSentinel flips the reader from content mode into metadata mode. In
// metadata mode the remaining chunks form one JSON array of citation
// records. The flip is one-way; content and metadata chunks never
// interleave.

import (
	"context"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/reconcile"
)

const (
	// ErrorSentinel marks a chunk as a fatal server-side error for this turn.
	ErrorSentinel = "<!ERROR!>"
	// EOFSentinel ends the content stream; subsequent chunks carry citation
	// metadata.
	EOFSentinel = "!<|EOF_STREAM|>!"
)

type ChunkKind int

const (
	// ChunkContent carries streamed response text, applied in arrival order.
	ChunkContent ChunkKind = iota
	// ChunkSources carries the parsed citation records from metadata mode.
	ChunkSources
	// ChunkError carries a fatal turn error; the connection is closed after
	// emitting it.
	ChunkError
)

// Chunk is one demultiplexed unit of the response stream.
type Chunk struct {
	Kind    ChunkKind
	Text    string
	Sources []conversation.Source
	Err     error
}

// OpenRequest is everything needed to frame one turn.
type OpenRequest struct {
	SessionID          string
	UserID             string
	UserMessage        string
	RetrievalSource    string
	DocumentIdentifier string
	ProjectID          string
	SystemPrompt       string
	// History is the prior conversation in the outbound legacy pair shape.
	History []reconcile.LegacyPair
	// Credential is embedded in the connection URI as a query parameter.
	Credential string
}

// Handle is one in-flight turn's connection. The chunk channel closes when
// the connection does; the connection closes exactly once, on the first
// fatal error, on the transport-level close, or on Abort.
type Handle interface {
	Chunks() <-chan Chunk
	Abort()
}

// Transport opens one streaming connection per submitted turn. There is no
// reconnect or resume; a new turn means a brand-new connection.
type Transport interface {
	Open(ctx context.Context, req OpenRequest) (Handle, error)
}

// WebSocketTransport dials the chatbot WebSocket endpoint.
type WebSocketTransport struct {
	Endpoint string
	Dialer   *websocket.Dialer
}

func NewWebSocketTransport(endpoint string) *WebSocketTransport {
	return &WebSocketTransport{
		Endpoint: endpoint,
		Dialer:   websocket.DefaultDialer,
	}
}

var _ Transport = (*WebSocketTransport)(nil)

func (t *WebSocketTransport) Open(ctx context.Context, req OpenRequest) (Handle, error) {
	u, err := url.Parse(t.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse transport endpoint")
	}
	q := u.Query()
	q.Set("Authorization", req.Credential)
	u.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial chatbot websocket")
	}

	// The framed request is sent once, immediately after the connection
	// opens.
	if err := conn.WriteJSON(newTurnFrame(req)); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "send turn frame")
	}

	h := &wsHandle{
		conn:   conn,
		chunks: make(chan Chunk, 16),
	}
	go h.readLoop()
	return h, nil
}

type wsHandle struct {
	conn      *websocket.Conn
	chunks    chan Chunk
	closeOnce sync.Once
}

func (h *wsHandle) Chunks() <-chan Chunk {
	return h.chunks
}

// Abort closes the underlying connection immediately; the read loop then
// winds down and closes the chunk channel. Not graceful on purpose.
func (h *wsHandle) Abort() {
	h.close()
}

func (h *wsHandle) close() {
	h.closeOnce.Do(func() {
		_ = h.conn.Close()
	})
}

func (h *wsHandle) readLoop() {
	defer close(h.chunks)
	defer h.close()

	demux := NewDemuxer()
	for {
		_, payload, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Debug().Err(err).Msg("turn stream closed")
			return
		}

		chunk, ok := demux.Feed(string(payload))
		if !ok {
			continue
		}
		h.chunks <- chunk
		if chunk.Kind == ChunkError {
			return
		}
	}
}

// Demuxer applies the sentinel protocol to a sequence of raw chunks. It is
// separate from the connection so the parsing rules can be tested without a
// socket.
type Demuxer struct {
	metadataMode bool
	metadataBuf  string
}

func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// Feed inspects one raw chunk. It returns the demultiplexed chunk and true,
// or false when the raw chunk does not (yet) produce one: the EOF sentinel
// itself carries no content, and metadata chunks are buffered until they
// parse as a complete citation array.
func (d *Demuxer) Feed(raw string) (Chunk, bool) {
	if containsErrorSentinel(raw) {
		return Chunk{Kind: ChunkError, Err: errors.New(stripErrorSentinel(raw))}, true
	}
	if raw == EOFSentinel {
		d.metadataMode = true
		return Chunk{}, false
	}
	if !d.metadataMode {
		return Chunk{Kind: ChunkContent, Text: raw}, true
	}

	d.metadataBuf += raw
	sources, ok := parseSources(d.metadataBuf)
	if !ok {
		return Chunk{}, false
	}
	d.metadataBuf = ""
	return Chunk{Kind: ChunkSources, Sources: sources}, true
}
