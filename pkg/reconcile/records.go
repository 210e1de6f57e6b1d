package reconcile

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

// RecordKind tags which of the two historical wire encodings a persisted
// record arrived in.
type RecordKind int

const (
	// KindLegacyPair is the original storage shape: one record per
	// exchange, with user and chatbot text side by side.
	KindLegacyPair RecordKind = iota
	// KindCanonical matches the in-memory Turn shape directly.
	KindCanonical
)

// LegacyPair is the pair form. The metadata field is stored either as a
// serialized JSON string or as an already-decoded value, depending on how
// old the record is.
type LegacyPair struct {
	User     string          `json:"user"`
	Chatbot  string          `json:"chatbot"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// CanonicalRecord mirrors conversation.Turn on the wire.
type CanonicalRecord struct {
	Type     conversation.Role `json:"type"`
	Content  string            `json:"content"`
	Metadata json.RawMessage   `json:"metadata,omitempty"`
}

// PersistedRecord is the tagged union of the two encodings. Decoding probes
// the field set once and stamps the Kind; all downstream consumers switch on
// the tag instead of re-probing fields.
type PersistedRecord struct {
	Kind      RecordKind
	Legacy    LegacyPair
	Canonical CanonicalRecord
}

var ErrUnknownRecordShape = errors.New("persisted record matches neither the legacy pair form nor the canonical form")

func (r *PersistedRecord) UnmarshalJSON(b []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return errors.Wrap(err, "decode persisted record")
	}

	if _, ok := probe["user"]; ok {
		r.Kind = KindLegacyPair
		return errors.Wrap(json.Unmarshal(b, &r.Legacy), "decode legacy pair record")
	}
	if _, ok := probe["chatbot"]; ok {
		r.Kind = KindLegacyPair
		return errors.Wrap(json.Unmarshal(b, &r.Legacy), "decode legacy pair record")
	}
	if _, ok := probe["type"]; ok {
		r.Kind = KindCanonical
		return errors.Wrap(json.Unmarshal(b, &r.Canonical), "decode canonical record")
	}
	return ErrUnknownRecordShape
}

func (r PersistedRecord) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindLegacyPair:
		return json.Marshal(r.Legacy)
	case KindCanonical:
		return json.Marshal(r.Canonical)
	default:
		return nil, ErrUnknownRecordShape
	}
}

// LegacyPairRecord wraps a pair into the union, mostly for tests and the
// dev store.
func LegacyPairRecord(pair LegacyPair) PersistedRecord {
	return PersistedRecord{Kind: KindLegacyPair, Legacy: pair}
}

// CanonicalTurnRecord wraps a canonical record into the union.
func CanonicalTurnRecord(rec CanonicalRecord) PersistedRecord {
	return PersistedRecord{Kind: KindCanonical, Canonical: rec}
}

// ToLegacyPairs reconstructs the outbound wire history from the canonical
// turn sequence: one pair per human turn followed by an assistant turn.
// Assistant-only entries (the seeded greeting) carry no human half and are
// skipped.
//
// The backend still expects the legacy shape on submit even though reads
// accept both forms; changing this is a wire-compatibility decision, not a
// cleanup.
func ToLegacyPairs(turns []*conversation.Turn) []LegacyPair {
	pairs := []LegacyPair{}
	for i := 0; i < len(turns); i++ {
		if turns[i].Role != conversation.RoleHuman {
			continue
		}
		if i+1 >= len(turns) || turns[i+1].Role != conversation.RoleAssistant {
			continue
		}
		pair := LegacyPair{
			User:    turns[i].Content,
			Chatbot: turns[i+1].Content,
		}
		if md := turns[i+1].Metadata; len(md) > 0 {
			if b, err := json.Marshal(md); err == nil {
				pair.Metadata = b
			}
		}
		pairs = append(pairs, pair)
		i++
	}
	return pairs
}
