package domain

import (
	"errors"
	"time"
)

// Well-known event types written by producers. Producers may also use their
// own tags; the ledger does not interpret them.
const (
	EventConsentGranted     = "consent_granted"
	EventConsentRevoked     = "consent_revoked"
	EventPaymentAuthorized  = "payment_authorized"
	EventPaymentCaptured    = "payment_captured"
	EventExpenseApproved    = "employee_expense_approved"
	EventExpenseRejected    = "employee_expense_rejected"
	EventCredentialChanged  = "credential_changed"
	EventIntegrationConsent = "integration_consent_google"
)

// SubjectSystem is the chain identity used for events that are not tied to a
// specific user or tenant entity.
const SubjectSystem = "system"

var (
	ErrMissingSubjectID = errors.New("subject ID is required")
	ErrMissingEventType = errors.New("event type is required")
	ErrRecordNotFound   = errors.New("audit record not found")

	// ErrChainConflict indicates that another writer appended to the same
	// subject between resolving the previous hash and inserting. Safe to
	// retry after re-resolving.
	ErrChainConflict = errors.New("audit chain conflict")
)

// AuditEvent is the producer-supplied payload for a new ledger entry.
type AuditEvent struct {
	SubjectID string                 `json:"subject_id"`
	EventType string                 `json:"event_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	IPAddress *string                `json:"ip_address,omitempty"`
	UserAgent *string                `json:"user_agent,omitempty"`
}

// Validate checks the fields the ledger requires before any hash is computed.
func (e AuditEvent) Validate() error {
	if e.SubjectID == "" {
		return ErrMissingSubjectID
	}
	if e.EventType == "" {
		return ErrMissingEventType
	}
	return nil
}

// AuditRecord is one immutable entry in a subject's hash chain. Seq is the
// authoritative persisted order within the subject's chain; Timestamp is the
// exact instant that was hashed and is stored verbatim, never re-derived.
type AuditRecord struct {
	ID           string                 `json:"id"`
	Seq          int64                  `json:"seq"`
	SubjectID    string                 `json:"subject_id"`
	EventType    string                 `json:"event_type"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IPAddress    *string                `json:"ip_address,omitempty"`
	UserAgent    *string                `json:"user_agent,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	PreviousHash *string                `json:"previous_hash,omitempty"`
	Hash         string                 `json:"hash"`
}

// Event returns the producer-facing view of the record, used when recomputing
// its digest during verification.
func (r *AuditRecord) Event() AuditEvent {
	return AuditEvent{
		SubjectID: r.SubjectID,
		EventType: r.EventType,
		Metadata:  r.Metadata,
		IPAddress: r.IPAddress,
		UserAgent: r.UserAgent,
	}
}

// FindingReason classifies how a record failed verification.
type FindingReason string

const (
	// FindingLinkMismatch means the record's previous_hash does not match
	// its predecessor's stored hash.
	FindingLinkMismatch FindingReason = "LINK_MISMATCH"
	// FindingPayloadMismatch means re-signing the record's stored fields
	// does not reproduce its stored hash.
	FindingPayloadMismatch FindingReason = "PAYLOAD_MISMATCH"
)

// ChainFinding is a single integrity failure discovered by verification.
type ChainFinding struct {
	RecordID string        `json:"record_id"`
	Seq      int64         `json:"seq"`
	Reason   FindingReason `json:"reason"`
}

// VerificationReport is the outcome of replaying one subject's full chain.
// Findings enumerate every broken record rather than stopping at the first,
// so operators see the full blast radius. It is a data finding, never acted
// on automatically.
type VerificationReport struct {
	SubjectID   string         `json:"subject_id"`
	Valid       bool           `json:"valid"`
	RecordCount int            `json:"record_count"`
	BrokenAt    []string       `json:"broken_at"`
	Findings    []ChainFinding `json:"findings,omitempty"`
	VerifiedAt  time.Time      `json:"verified_at"`
}
