package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/auditra/auditra/domain"
	"github.com/auditra/auditra/pkg/apperror"
)

// genesisHash is the sentinel canonicalized in place of a previous hash for
// the first record of a chain (stored as NULL, hashed as this constant).
const genesisHash = "GENESIS"

// canonicalPayload fixes the field order of the signed encoding. All fields
// are explicit struct members so json.Marshal produces the same bytes for
// the same inputs; metadata maps are marshaled separately with Go's sorted
// key order.
type canonicalPayload struct {
	EventType    string          `json:"event_type"`
	SubjectID    string          `json:"subject_id"`
	Metadata     json.RawMessage `json:"metadata"`
	IPAddress    string          `json:"ip_address"`
	UserAgent    string          `json:"user_agent"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
}

// Sign computes the deterministic SHA-256 digest of an event at a given
// timestamp, chained to previousHash (nil for the first record of a chain).
// Identical inputs always yield identical output; the verifier depends on
// that to recompute digests from stored fields. The only failure mode is
// unserializable metadata, which is a producer error.
func Sign(event domain.AuditEvent, timestamp time.Time, previousHash *string) (string, error) {
	metadata, err := canonicalMetadata(event.Metadata)
	if err != nil {
		return "", apperror.ErrBadMetadata(err)
	}

	prev := genesisHash
	if previousHash != nil {
		prev = *previousHash
	}

	payload := canonicalPayload{
		EventType:    event.EventType,
		SubjectID:    event.SubjectID,
		Metadata:     metadata,
		IPAddress:    derefOrEmpty(event.IPAddress),
		UserAgent:    derefOrEmpty(event.UserAgent),
		Timestamp:    timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash: prev,
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", apperror.ErrBadMetadata(err)
	}

	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:]), nil
}

// NormalizeMetadata round-trips metadata through its JSON encoding so the
// representation that gets signed is the same one a later read from the
// store will decode to (e.g. all numbers become float64). Must be applied
// before Sign when the metadata originates in-process rather than from the
// store.
func NormalizeMetadata(metadata map[string]interface{}) (map[string]interface{}, error) {
	if metadata == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, apperror.ErrBadMetadata(err)
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return nil, apperror.ErrBadMetadata(err)
	}
	return normalized, nil
}

func canonicalMetadata(metadata map[string]interface{}) (json.RawMessage, error) {
	if metadata == nil {
		return json.RawMessage("{}"), nil
	}
	// json.Marshal writes map keys in sorted order at every nesting level,
	// so semantically identical metadata always encodes to the same bytes.
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
