// Package httpapi serves the session persistence API locally, with the same
// operation-dispatch contract as the hosted endpoint: one POST route, the
// "operation" field of the body selects the behavior. It exists so the chat
// client can be developed and tested without the hosted backend.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/reconcile"
	"github.com/go-go-golems/marionette/pkg/sessionapi"
	"github.com/go-go-golems/marionette/pkg/store"
)

type server struct {
	store *store.Store
}

func NewServer(addr string, sessionStore *store.Store) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(sessionStore),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Handler exposes the mux directly for tests.
func Handler(sessionStore *store.Store) http.Handler {
	h := &server{store: sessionStore}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/sessions", h.handleSessions)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type operationRequest struct {
	Operation          string          `json:"operation"`
	UserID             string          `json:"user_id"`
	SessionID          string          `json:"session_id"`
	Title              string          `json:"title"`
	DocumentIdentifier string          `json:"document_identifier"`
	NewChatEntry       json.RawMessage `json:"new_chat_entry"`
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req operationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	log.Debug().
		Str("operation", req.Operation).
		Str("session_id", req.SessionID).
		Str("user_id", req.UserID).
		Msg("session operation")

	switch req.Operation {
	case sessionapi.OpGetSession:
		s.getSession(w, r, req)
	case sessionapi.OpAddSession:
		s.addSession(w, r, req)
	case sessionapi.OpUpdateSession:
		s.updateSession(w, r, req)
	case sessionapi.OpListSessions:
		s.listSessions(w, r, req, store.DefaultListLimit)
	case sessionapi.OpListAllSessions:
		s.listSessions(w, r, req, store.AllListLimit)
	case sessionapi.OpDeleteSession:
		s.deleteSession(w, r, req)
	case sessionapi.OpDeleteUserSessions:
		s.deleteUserSessions(w, r, req)
	default:
		http.Error(w, "operation not allowed: "+req.Operation, http.StatusBadRequest)
	}
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request, req operationRequest) {
	rec, err := s.store.GetSession(r.Context(), req.SessionID, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no record found with session id: "+req.SessionID, http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) addSession(w http.ResponseWriter, r *http.Request, req operationRequest) {
	var entry reconcile.LegacyPair
	if len(req.NewChatEntry) > 0 {
		if err := json.Unmarshal(req.NewChatEntry, &entry); err != nil {
			http.Error(w, "invalid new_chat_entry: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.store.AddSession(r.Context(), req.SessionID, req.UserID, req.Title, req.DocumentIdentifier, entry); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session created successfully"})
}

func (s *server) updateSession(w http.ResponseWriter, r *http.Request, req operationRequest) {
	var entries []reconcile.LegacyPair
	if len(req.NewChatEntry) > 0 {
		// update accepts either one entry or a batch
		if err := json.Unmarshal(req.NewChatEntry, &entries); err != nil {
			var single reconcile.LegacyPair
			if err := json.Unmarshal(req.NewChatEntry, &single); err != nil {
				http.Error(w, "invalid new_chat_entry: "+err.Error(), http.StatusBadRequest)
				return
			}
			entries = []reconcile.LegacyPair{single}
		}
	}

	err := s.store.UpdateSession(r.Context(), req.SessionID, req.UserID, entries)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no record found with session id: "+req.SessionID, http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request, req operationRequest, limit int) {
	summaries, err := s.store.ListSessions(r.Context(), req.UserID, req.DocumentIdentifier, limit)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *server) deleteSession(w http.ResponseWriter, r *http.Request, req operationRequest) {
	result, err := s.store.DeleteSession(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) deleteUserSessions(w http.ResponseWriter, r *http.Request, req operationRequest) {
	results, err := s.store.DeleteUserSessions(r.Context(), req.UserID)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func serverError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("session operation failed")
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("could not write response")
	}
}
