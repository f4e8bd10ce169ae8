package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/workledger/go-core/internal/ledger"
)

// emitEventRequest mirrors the EmitAuditEvent collaborator contract: the
// surrounding application decides when to emit and what goes in details.
type emitEventRequest struct {
	ActorUserID  *string                `json:"actor_user_id"`
	WorkspaceID  *string                `json:"workspace_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Details      map[string]interface{} `json:"details"`
	IPAddress    string                 `json:"ip_address"`
	UserAgent    string                 `json:"user_agent"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// handleEmitEvent appends one audit record. Append failures always surface:
// for critical actions the caller must fail its enclosing operation, and the
// response carries whether a retry is worthwhile.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var req emitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	rec, err := s.appender.Append(r.Context(), ledger.Event{
		ActorUserID:  req.ActorUserID,
		WorkspaceID:  req.WorkspaceID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Details:      req.Details,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
	})
	if err != nil {
		status := http.StatusInternalServerError
		retryable := false
		switch {
		case errors.Is(err, ledger.ErrWriteConflict):
			status = http.StatusConflict
			retryable = true
		case errors.Is(err, ledger.ErrStorage):
			status = http.StatusServiceUnavailable
		case isValidationError(err):
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: retryable})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleQueryRecords is the read-only reporting surface.
func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RecordFilter{
		Scope:        ledger.ScopeGlobal,
		ActorUserID:  q.Get("actor_user_id"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		Limit:        intParam(q.Get("limit"), 100),
		Offset:       intParam(q.Get("offset"), 0),
	}
	if ws := q.Get("workspace_id"); ws != "" {
		filter.Scope = ws
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from timestamp"})
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid to timestamp"})
			return
		}
		filter.To = t
	}

	records, err := s.store.QueryRecords(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// handleVerify replays the chain and returns only violations. Findings are a
// 200 response: tampering is a query result here, not a server error.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := ledger.ScopeGlobal
	if ws := q.Get("scope"); ws != "" {
		scope = ws
	}
	limit := intParam(q.Get("limit"), 0)

	findings, err := ledger.VerifyChain(r.Context(), s.store, scope, limit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.RecordVerifyRun(findings)
	}
	if len(findings) > 0 {
		s.logger.Warn("chain verification found violations",
			zap.String("scope", scope),
			zap.Int("findings", len(findings)),
		)
	}
	if findings == nil {
		findings = []ledger.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":    scope,
		"findings": findings,
	})
}

type archiveRequest struct {
	Scope     string    `json:"scope"`
	OlderThan time.Time `json:"older_than"`
}

// handleArchive runs one retention sweep on demand.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "archival is not configured"})
		return
	}
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Scope == "" || req.OlderThan.IsZero() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "scope and older_than are required"})
		return
	}

	cp, err := s.archiver.Archive(r.Context(), req.Scope, req.OlderThan)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrWriteConflict) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: errors.Is(err, ledger.ErrWriteConflict)})
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"archived": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"archived":   true,
		"checkpoint": cp,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// isValidationError classifies appender input validation, which wraps no
// taxonomy sentinel.
func isValidationError(err error) bool {
	return !errors.Is(err, ledger.ErrWriteConflict) &&
		!errors.Is(err, ledger.ErrStorage) &&
		!errors.Is(err, ledger.ErrImmutabilityViolation)
}
