// Package sessionapi is the client for the session persistence endpoint.
// Every call is a POST with a JSON envelope whose "operation" field selects
// the server-side behavior; the credential travels in the Authorization
// header.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/auth"
	"github.com/go-go-golems/marionette/pkg/reconcile"
)

const (
	OpAddSession         = "add_session"
	OpGetSession         = "get_session"
	OpUpdateSession      = "update_session"
	OpListSessions       = "list_sessions_by_user_id"
	OpListAllSessions    = "list_all_sessions_by_user_id"
	OpDeleteSession      = "delete_session"
	OpDeleteUserSessions = "delete_user_sessions"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionSummary is one row of a session listing, newest first.
type SessionSummary struct {
	SessionID          string `json:"session_id"`
	Title              string `json:"title"`
	TimeStamp          string `json:"time_stamp"`
	DocumentIdentifier string `json:"document_identifier"`
}

// SessionRecord is the full persisted session, chat history included.
type SessionRecord struct {
	UserID             string                      `json:"user_id"`
	SessionID          string                      `json:"session_id"`
	Title              string                      `json:"title"`
	TimeStamp          string                      `json:"time_stamp"`
	DocumentIdentifier string                      `json:"document_identifier"`
	ChatHistory        []reconcile.PersistedRecord `json:"chat_history"`
}

// DeleteResult reports one session deletion.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type envelope struct {
	Operation          string      `json:"operation"`
	UserID             string      `json:"user_id,omitempty"`
	SessionID          string      `json:"session_id,omitempty"`
	Title              string      `json:"title,omitempty"`
	DocumentIdentifier string      `json:"document_identifier,omitempty"`
	NewChatEntry       interface{} `json:"new_chat_entry,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenProvider
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

func NewClient(baseURL string, tokens auth.TokenProvider, options ...ClientOption) *Client {
	ret := &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (c *Client) post(ctx context.Context, env envelope, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch credential")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	log.Debug().
		Str("operation", env.Operation).
		Str("session_id", env.SessionID).
		Msg("calling session endpoint")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request", env.Operation)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionNotFound
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("%s returned %d: %s", env.Operation, resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", env.Operation)
	}
	return nil
}

// GetSession returns the persisted chat history for one session. A session
// the server has never seen yields an empty record set, not an error, so a
// fresh session id can be loaded before its first turn.
func (c *Client) GetSession(ctx context.Context, sessionID, userID string) ([]reconcile.PersistedRecord, error) {
	var record SessionRecord
	err := c.post(ctx, envelope{
		Operation: OpGetSession,
		SessionID: sessionID,
		UserID:    userID,
	}, &record)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.ChatHistory, nil
}

// AddSession creates the session row with its first exchange.
func (c *Client) AddSession(ctx context.Context, sessionID, userID, title, documentID string, entry reconcile.LegacyPair) error {
	return c.post(ctx, envelope{
		Operation:          OpAddSession,
		SessionID:          sessionID,
		UserID:             userID,
		Title:              title,
		DocumentIdentifier: documentID,
		NewChatEntry:       entry,
	}, nil)
}

// UpdateSession appends exchanges to an existing session's history.
func (c *Client) UpdateSession(ctx context.Context, sessionID, userID string, entries []reconcile.LegacyPair) error {
	return c.post(ctx, envelope{
		Operation:    OpUpdateSession,
		SessionID:    sessionID,
		UserID:       userID,
		NewChatEntry: entries,
	}, nil)
}

// ListSessions returns the user's most recent sessions, newest first,
// optionally filtered to one document. The server caps the page at 15.
func (c *Client) ListSessions(ctx context.Context, userID, documentID string) ([]SessionSummary, error) {
	var summaries []SessionSummary
	err := c.post(ctx, envelope{
		Operation:          OpListSessions,
		UserID:             userID,
		DocumentIdentifier: documentID,
	}, &summaries)
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// ListAllSessions is ListSessions with the larger server-side page cap.
func (c *Client) ListAllSessions(ctx context.Context, userID, documentID string) ([]SessionSummary, error) {
	var summaries []SessionSummary
	err := c.post(ctx, envelope{
		Operation:          OpListAllSessions,
		UserID:             userID,
		DocumentIdentifier: documentID,
	}, &summaries)
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// DeleteSession removes one session.
func (c *Client) DeleteSession(ctx context.Context, sessionID, userID string) (DeleteResult, error) {
	var result DeleteResult
	err := c.post(ctx, envelope{
		Operation: OpDeleteSession,
		SessionID: sessionID,
		UserID:    userID,
	}, &result)
	return result, err
}

// DeleteUserSessions removes every session belonging to the user.
func (c *Client) DeleteUserSessions(ctx context.Context, userID string) ([]DeleteResult, error) {
	var results []DeleteResult
	err := c.post(ctx, envelope{
		Operation: OpDeleteUserSessions,
		UserID:    userID,
	}, &results)
	return results, err
}
