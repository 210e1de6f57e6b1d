// Package store is a local session store with the same semantics as the
// hosted session endpoint: sessions keyed by user and session id, chat
// history stored as an opaque JSON document, listings sorted newest first.
// It backs the dev server so the client stack can run without the hosted
// backend.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/go-go-golems/marionette/pkg/reconcile"
	"github.com/go-go-golems/marionette/pkg/sessionapi"
)

var ErrNotFound = errors.New("session not found")

const (
	// DefaultListLimit matches the hosted endpoint's listing page.
	DefaultListLimit = 15
	// AllListLimit is the cap of the list-all operation.
	AllListLimit = 100
)

type sessionRow struct {
	UserID             string `gorm:"primaryKey;size:191"`
	SessionID          string `gorm:"primaryKey;size:191"`
	Title              string `gorm:"size:512"`
	DocumentIdentifier string `gorm:"size:512;index"`
	TimeStamp          string `gorm:"size:64;index"`
	ChatHistory        string
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() (sessionapi.SessionRecord, error) {
	rec := sessionapi.SessionRecord{
		UserID:             r.UserID,
		SessionID:          r.SessionID,
		Title:              r.Title,
		DocumentIdentifier: r.DocumentIdentifier,
		TimeStamp:          r.TimeStamp,
	}
	if r.ChatHistory != "" {
		if err := json.Unmarshal([]byte(r.ChatHistory), &rec.ChatHistory); err != nil {
			return rec, errors.Wrap(err, "decode chat history")
		}
	}
	return rec, nil
}

type Store struct {
	db *gorm.DB

	// now is swappable so listings can be tested with a fixed clock.
	now func() time.Time
}

func NewStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "marionette.db"
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "create store directory")
			}
		}
	}

	gormDB, err := gorm.Open(sqliteDriver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open session store")
	}

	store := &Store{db: gormDB, now: time.Now}
	if err := store.db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate session store")
	}
	return store, nil
}

// timestamp matches the stored format of the hosted endpoint so sort order
// stays lexicographic.
func (s *Store) timestamp() string {
	return s.now().UTC().Format("2006-01-02 15:04:05.000000")
}

// AddSession creates the session row, overwriting any existing row with the
// same key, matching put-item semantics.
func (s *Store) AddSession(ctx context.Context, sessionID, userID, title, documentID string, entry reconcile.LegacyPair) error {
	history, err := json.Marshal([]reconcile.PersistedRecord{reconcile.LegacyPairRecord(entry)})
	if err != nil {
		return errors.Wrap(err, "encode chat history")
	}

	row := sessionRow{
		UserID:             userID,
		SessionID:          sessionID,
		Title:              strings.TrimSpace(title),
		DocumentIdentifier: documentID,
		TimeStamp:          s.timestamp(),
		ChatHistory:        string(history),
	}
	return errors.Wrap(s.db.WithContext(ctx).Save(&row).Error, "create session")
}

func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (sessionapi.SessionRecord, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sessionapi.SessionRecord{}, ErrNotFound
		}
		return sessionapi.SessionRecord{}, errors.Wrap(err, "get session")
	}
	return row.toRecord()
}

// UpdateSession appends entries to the stored chat history. The session must
// already exist.
func (s *Store) UpdateSession(ctx context.Context, sessionID, userID string, entries []reconcile.LegacyPair) error {
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "get session for update")
	}

	var history []reconcile.PersistedRecord
	if row.ChatHistory != "" {
		if err := json.Unmarshal([]byte(row.ChatHistory), &history); err != nil {
			return errors.Wrap(err, "decode chat history")
		}
	}
	for _, entry := range entries {
		history = append(history, reconcile.LegacyPairRecord(entry))
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "encode chat history")
	}

	return errors.Wrap(s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Update("chat_history", string(encoded)).Error,
		"update session")
}

func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) (sessionapi.DeleteResult, error) {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Delete(&sessionRow{}).Error
	if err != nil {
		return sessionapi.DeleteResult{ID: sessionID, Deleted: false}, errors.Wrap(err, "delete session")
	}
	return sessionapi.DeleteResult{ID: sessionID, Deleted: true}, nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) ([]sessionapi.DeleteResult, error) {
	summaries, err := s.ListSessions(ctx, userID, "", AllListLimit)
	if err != nil {
		return nil, err
	}

	results := make([]sessionapi.DeleteResult, 0, len(summaries))
	for _, summary := range summaries {
		result, err := s.DeleteSession(ctx, summary.SessionID, userID)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// ListSessions returns the user's sessions sorted by timestamp descending,
// optionally filtered to one document.
func (s *Store) ListSessions(ctx context.Context, userID, documentID string, limit int) ([]sessionapi.SessionSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("user_id = ?", userID).
		Order("time_stamp DESC").
		Limit(limit)
	if documentID != "" {
		query = query.Where("document_identifier = ?", documentID)
	}

	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}

	summaries := make([]sessionapi.SessionSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, sessionapi.SessionSummary{
			SessionID:          row.SessionID,
			Title:              strings.TrimSpace(row.Title),
			TimeStamp:          row.TimeStamp,
			DocumentIdentifier: row.DocumentIdentifier,
		})
	}
	return summaries, nil
}
