package reconcile

// Package reconcile normalizes persisted chat history into the canonical
// turn sequence. Two storage generations are in the wild: the legacy pair
// form and the canonical turn form. Reconcile is the single authority for
// the mapping and is pure: no network, no storage, and malformed metadata
// degrades to an empty map instead of failing the whole load.

import (
	"encoding/json"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

// Reconcile converts persisted records of either encoding into the
// canonical turn sequence. It is idempotent: reconciling an
// already-canonical sequence returns it unchanged aside from metadata
// normalization.
func Reconcile(records []PersistedRecord) []*conversation.Turn {
	turns := []*conversation.Turn{}
	for _, record := range records {
		switch record.Kind {
		case KindLegacyPair:
			// An empty user half marks the seeded greeting; it never
			// materializes into a human turn.
			if record.Legacy.User != "" {
				turns = append(turns, conversation.NewHumanTurn(record.Legacy.User))
			}
			turns = append(turns, conversation.NewAssistantTurn(
				record.Legacy.Chatbot,
				conversation.WithMetadata(normalizeMetadata(record.Legacy.Metadata)),
			))
		case KindCanonical:
			turns = append(turns, conversation.NewTurn(
				record.Canonical.Type,
				record.Canonical.Content,
				conversation.WithMetadata(normalizeMetadata(record.Canonical.Metadata)),
			))
		}
	}
	return turns
}

// normalizeMetadata maps the raw persisted metadata value onto the open
// metadata mapping:
//
//   - string values are parsed as serialized JSON first
//   - bare arrays are wrapped as {Sources: <array>} for forward
//     compatibility, with titles synthesized from the source URI when empty
//   - anything malformed degrades to an empty map
func normalizeMetadata(raw json.RawMessage) conversation.Metadata {
	if len(raw) == 0 {
		return conversation.Metadata{}
	}

	var serialized string
	if err := json.Unmarshal(raw, &serialized); err == nil {
		raw = json.RawMessage(serialized)
		if len(raw) == 0 {
			return conversation.Metadata{}
		}
	}

	var array []interface{}
	if err := json.Unmarshal(raw, &array); err == nil {
		var sources []conversation.Source
		if err := json.Unmarshal(raw, &sources); err == nil {
			return conversation.Metadata{
				conversation.SourcesKey: conversation.FillSourceTitles(sources),
			}
		}
		return conversation.Metadata{conversation.SourcesKey: array}
	}

	var mapping conversation.Metadata
	if err := json.Unmarshal(raw, &mapping); err == nil && mapping != nil {
		return mapping
	}

	return conversation.Metadata{}
}
