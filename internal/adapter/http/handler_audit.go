package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/auditra/auditra/domain"
	"github.com/auditra/auditra/infrastructure/service/logger"
	"github.com/auditra/auditra/internal/ports"
)

// AppendEventRequest is the producer payload for a new audit event. IP and
// user agent fall back to the request's own provenance when omitted.
type AppendEventRequest struct {
	SubjectID string                 `json:"subject_id"`
	EventType string                 `json:"event_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	IPAddress *string                `json:"ip_address,omitempty"`
	UserAgent *string                `json:"user_agent,omitempty"`
}

// AuditHandler exposes the ledger over HTTP: append for producers, history
// and verification for operators.
type AuditHandler struct {
	ledger   ports.LedgerService
	verifier ports.ChainVerifier
	repo     ports.AuditRepository
	logger   logger.Logger
	apiKey   *APIKeyMiddleware
	auth     *AuthMiddleware
}

func NewAuditHandler(
	ledgerService ports.LedgerService,
	verifier ports.ChainVerifier,
	repo ports.AuditRepository,
	log logger.Logger,
	apiKey *APIKeyMiddleware,
	auth *AuthMiddleware,
) *AuditHandler {
	return &AuditHandler{
		ledger:   ledgerService,
		verifier: verifier,
		repo:     repo,
		logger:   log,
		apiKey:   apiKey,
		auth:     auth,
	}
}

// RegisterRoutes registers the audit API routes
func (h *AuditHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/audit/events", h.apiKey.RequireAPIKey(h.AppendEvent)).Methods("POST")
	router.HandleFunc("/v1/audit/subjects", h.auth.RequireAuth(h.ListSubjects)).Methods("GET")
	router.HandleFunc("/v1/audit/subjects/{subjectID}/records", h.auth.RequireAuth(h.ListRecords)).Methods("GET")
	router.HandleFunc("/v1/audit/subjects/{subjectID}/verify", h.auth.RequireAuth(h.VerifyChain)).Methods("GET")
	router.HandleFunc("/v1/audit/records/{recordID}", h.auth.RequireAuth(h.GetRecord)).Methods("GET")
}

// AppendEvent handles POST /v1/audit/events
func (h *AuditHandler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var req AppendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	event := domain.AuditEvent{
		SubjectID: req.SubjectID,
		EventType: req.EventType,
		Metadata:  req.Metadata,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
	if event.IPAddress == nil {
		if ip := clientIP(r); ip != "" {
			event.IPAddress = &ip
		}
	}
	if event.UserAgent == nil {
		if ua := r.UserAgent(); ua != "" {
			event.UserAgent = &ua
		}
	}

	record, err := h.ledger.Append(r.Context(), event)
	if err != nil {
		h.logger.Error(r.Context(), "Failed to append audit event", err, map[string]interface{}{
			"subject_id": req.SubjectID,
			"event_type": req.EventType,
		})
		AppError(w, err)
		return
	}

	Success(w, http.StatusCreated, "Audit record appended", record)
}

// ListRecords handles GET /v1/audit/subjects/{subjectID}/records
func (h *AuditHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subjectID"]
	if subjectID == "" {
		BadRequest(w, "Subject ID is required")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(r, "offset", 0)

	records, err := h.repo.ListBySubjectPage(r.Context(), subjectID, limit, offset)
	if err != nil {
		h.logger.Error(r.Context(), "Failed to list audit records", err, map[string]interface{}{
			"subject_id": subjectID,
		})
		InternalServerError(w, "Failed to list audit records")
		return
	}
	count, err := h.repo.CountBySubject(r.Context(), subjectID)
	if err != nil {
		h.logger.Error(r.Context(), "Failed to count audit records", err, map[string]interface{}{
			"subject_id": subjectID,
		})
		InternalServerError(w, "Failed to count audit records")
		return
	}

	Success(w, http.StatusOK, "Audit records retrieved", map[string]interface{}{
		"subject_id": subjectID,
		"records":    records,
		"total":      count,
		"limit":      limit,
		"offset":     offset,
	})
}

// VerifyChain handles GET /v1/audit/subjects/{subjectID}/verify
func (h *AuditHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subjectID"]
	if subjectID == "" {
		BadRequest(w, "Subject ID is required")
		return
	}

	report, err := h.verifier.Verify(r.Context(), subjectID)
	if err != nil {
		h.logger.Error(r.Context(), "Failed to verify audit chain", err, map[string]interface{}{
			"subject_id": subjectID,
		})
		AppError(w, err)
		return
	}

	Success(w, http.StatusOK, "Chain verification completed", report)
}

// GetRecord handles GET /v1/audit/records/{recordID}
func (h *AuditHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	recordID := mux.Vars(r)["recordID"]
	if recordID == "" {
		BadRequest(w, "Record ID is required")
		return
	}

	record, err := h.repo.FindByID(r.Context(), recordID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			NotFound(w, "Audit record not found")
			return
		}
		h.logger.Error(r.Context(), "Failed to find audit record", err, map[string]interface{}{
			"record_id": recordID,
		})
		InternalServerError(w, "Failed to find audit record")
		return
	}

	Success(w, http.StatusOK, "Audit record retrieved", record)
}

// ListSubjects handles GET /v1/audit/subjects
func (h *AuditHandler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.repo.ListSubjects(r.Context())
	if err != nil {
		h.logger.Error(r.Context(), "Failed to list subjects", err, nil)
		InternalServerError(w, "Failed to list subjects")
		return
	}
	Success(w, http.StatusOK, "Subjects retrieved", map[string]interface{}{
		"subjects": subjects,
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue >= 0 {
			return intValue
		}
	}
	return defaultValue
}
