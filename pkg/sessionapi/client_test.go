package sessionapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/auth"
	"github.com/go-go-golems/marionette/pkg/reconcile"
)

func decodeEnvelope(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
	return env
}

func TestGetSessionDecodesHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := decodeEnvelope(t, r)
		assert.Equal(t, OpGetSession, env["operation"])
		assert.Equal(t, "s-1", env["session_id"])
		assert.Equal(t, "bearer-token", r.Header.Get("Authorization"))

		_, _ = w.Write([]byte(`{
			"user_id": "u-1",
			"session_id": "s-1",
			"title": "grant questions",
			"chat_history": [
				{"user": "hi", "chatbot": "hello there"},
				{"type": "Human", "content": "more"}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, auth.Static("bearer-token"))
	records, err := client.GetSession(context.Background(), "s-1", "u-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, reconcile.KindLegacyPair, records[0].Kind)
	assert.Equal(t, reconcile.KindCanonical, records[1].Kind)
}

func TestGetSessionTreatsNotFoundAsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, auth.Static("t"))
	records, err := client.GetSession(context.Background(), "missing", "u-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAddSessionSendsFirstEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := decodeEnvelope(t, r)
		assert.Equal(t, OpAddSession, env["operation"])
		assert.Equal(t, "doc-1", env["document_identifier"])
		assert.Equal(t, "grant questions", env["title"])

		entry, ok := env["new_chat_entry"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "hi", entry["user"])
		assert.Equal(t, "hello", entry["chatbot"])

		_, _ = w.Write([]byte(`{"message": "Session created successfully"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, auth.Static("t"))
	err := client.AddSession(context.Background(), "s-1", "u-1", "grant questions", "doc-1",
		reconcile.LegacyPair{User: "hi", Chatbot: "hello"})
	require.NoError(t, err)
}

func TestUpdateSessionSendsEntrySlice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := decodeEnvelope(t, r)
		assert.Equal(t, OpUpdateSession, env["operation"])

		entries, ok := env["new_chat_entry"].([]interface{})
		require.True(t, ok)
		require.Len(t, entries, 1)

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, auth.Static("t"))
	err := client.UpdateSession(context.Background(), "s-1", "u-1",
		[]reconcile.LegacyPair{{User: "q", Chatbot: "a"}})
	require.NoError(t, err)
}

func TestListSessionsDecodesSummaries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := decodeEnvelope(t, r)
		assert.Equal(t, OpListSessions, env["operation"])
		assert.Equal(t, "doc-1", env["document_identifier"])

		_, _ = w.Write([]byte(`[
			{"session_id": "s-2", "title": "newer", "time_stamp": "2026-08-30 10:00:00", "document_identifier": "doc-1"},
			{"session_id": "s-1", "title": "older", "time_stamp": "2026-08-29 10:00:00", "document_identifier": "doc-1"}
		]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, auth.Static("t"))
	summaries, err := client.ListSessions(context.Background(), "u-1", "doc-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "s-2", summaries[0].SessionID)
	assert.Equal(t, "newer", summaries[0].Title)
}

func TestDeleteSessionReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := decodeEnvelope(t, r)
		assert.Equal(t, OpDeleteSession, env["operation"])
		_, _ = w.Write([]byte(`{"id": "s-1", "deleted": true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, auth.Static("t"))
	result, err := client.DeleteSession(context.Background(), "s-1", "u-1")
	require.NoError(t, err)
	assert.True(t, result.Deleted)
	assert.Equal(t, "s-1", result.ID)
}

func TestPostSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, auth.Static("t"))
	_, err := client.ListSessions(context.Background(), "u-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
