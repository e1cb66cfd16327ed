package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/entryline/gatescan/internal/auth"
	"github.com/entryline/gatescan/internal/domain"
	"github.com/entryline/gatescan/internal/verify"
	"github.com/entryline/gatescan/pkg/events"
	"github.com/entryline/gatescan/pkg/logger"
)

// Verifier is the verification engine as the scan session sees it.
type Verifier interface {
	Verify(ctx context.Context, req verify.ScanRequest) (*domain.VerificationResult, error)
}

// AttemptLog is the device-local scan log surface the API exposes.
type AttemptLog interface {
	List(ctx context.Context, status *domain.SyncStatus, limit, offset int) ([]domain.ScanAttempt, error)
	Counts(ctx context.Context) (map[domain.SyncStatus]int64, error)
	ResolveConflict(ctx context.Context, attemptID string) error
	Healthy() bool
}

// SyncTrigger requests an immediate reconciliation pass.
type SyncTrigger interface {
	Kick()
}

type Handlers struct {
	verifier  Verifier
	log       AttemptLog
	sync      SyncTrigger
	audit     events.Publisher
	jwtSecret string
}

func New(verifier Verifier, log AttemptLog, sync SyncTrigger, audit events.Publisher, jwtSecret string) *Handlers {
	return &Handlers{
		verifier:  verifier,
		log:       log,
		sync:      sync,
		audit:     audit,
		jwtSecret: jwtSecret,
	}
}

type ctxKey string

const ctxClaims ctxKey = "device_claims"

// RequireDeviceToken authenticates the scanning device. Device and operator
// identity always come from the token, never from request bodies.
func (h *Handlers) RequireDeviceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
			return
		}

		claims, err := auth.Parse(strings.TrimPrefix(authz, "Bearer "), h.jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid device token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxClaims, claims)
		ctx = context.WithValue(ctx, logger.DeviceIDKey, claims.DeviceID)
		ctx = context.WithValue(ctx, logger.OperatorIDKey, claims.OperatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deviceClaims(r *http.Request) *auth.DeviceClaims {
	v := r.Context().Value(ctxClaims)
	if v == nil {
		return nil
	}
	return v.(*auth.DeviceClaims)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			offset = n
		}
	}
	return limit, offset
}
