package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entryline/gatescan/internal/domain"
	"github.com/entryline/gatescan/internal/verify"
	"github.com/entryline/gatescan/pkg/events"
	"github.com/entryline/gatescan/pkg/logger"
)

type scanRequest struct {
	Code      string `json:"code"`
	CodeType  string `json:"code_type"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// Scan handles POST /v1/scan: one decoded code in, one decision out.
func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	claims := deviceClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Device token required")
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	codeType, ok := domain.ParseCodeType(req.CodeType)
	if !ok {
		writeError(w, http.StatusBadRequest, "code_type must be qr or backup")
		return
	}

	result, err := h.verifier.Verify(r.Context(), verify.ScanRequest{
		Code:       req.Code,
		CodeType:   codeType,
		DeviceID:   claims.DeviceID,
		OperatorID: claims.OperatorID,
		AttemptID:  req.AttemptID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrQueueCorrupted) {
			// Offline capability is gone; the device cannot take
			// provisional accepts until storage is restored.
			writeError(w, http.StatusServiceUnavailable, "Offline scanning disabled: local storage failed")
			return
		}
		logger.ErrorContext(r.Context(), "Scan verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListAttempts handles GET /v1/attempts.
func (h *Handlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var statusPtr *domain.SyncStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := domain.ParseSyncStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid status parameter")
			return
		}
		statusPtr = &status
	}

	attempts, err := h.log.List(r.Context(), statusPtr, limit, offset)
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to list scan attempts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list attempts")
		return
	}

	writeJSON(w, http.StatusOK, attempts)
}

// ResolveAttempt handles POST /v1/attempts/{attemptID}/resolve: the manual
// override that moves a conflicted entry to resolved. The human decision
// behind it happens off-system; only the transition is recorded.
func (h *Handlers) ResolveAttempt(w http.ResponseWriter, r *http.Request) {
	claims := deviceClaims(r)
	attemptID := chi.URLParam(r, "attemptID")
	if attemptID == "" {
		writeError(w, http.StatusBadRequest, "Missing attempt ID")
		return
	}

	if err := h.log.ResolveConflict(r.Context(), attemptID); err != nil {
		switch {
		case errors.Is(err, domain.ErrAttemptNotFound):
			writeError(w, http.StatusNotFound, "Attempt not found")
		case errors.Is(err, domain.ErrQueueCorrupted):
			writeError(w, http.StatusServiceUnavailable, "Local storage failed")
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}

	if err := h.audit.Publish(r.Context(), events.ScanResolved, events.ScanAttemptEvent{
		AttemptID:  attemptID,
		DeviceID:   claims.DeviceID,
		OperatorID: claims.OperatorID,
		SyncStatus: string(domain.SyncResolved),
		ScannedAt:  time.Now(),
	}); err != nil {
		logger.WarnContext(r.Context(), "Failed to publish resolve event", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"attempt_id":  attemptID,
		"sync_status": string(domain.SyncResolved),
	})
}

// QueueStatus handles GET /v1/queue/status.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.log.Counts(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to count scan attempts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read queue status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":    h.log.Healthy(),
		"pending":    counts[domain.SyncPending],
		"synced":     counts[domain.SyncSynced],
		"conflicted": counts[domain.SyncConflicted],
		"resolved":   counts[domain.SyncResolved],
	})
}

// TriggerSync handles POST /v1/sync.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.sync.Kick()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}
