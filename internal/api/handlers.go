package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
	"github.com/hyperengineering/relay/internal/validation"
)

const (
	headerIdempotencyKey  = "Idempotency-Key"
	headerIfMatch         = "If-Match"
	headerIdempotentReply = "X-Idempotent-Replay"

	// MaxPayloadBytes bounds a record payload in a request body.
	MaxPayloadBytes = 1 << 20

	// DefaultIdempotencyTTL is how long processed responses are replayed.
	DefaultIdempotencyTTL = 24 * time.Hour
)

// RecordStore defines the store operations used by the handlers.
type RecordStore interface {
	Count(ctx context.Context) (int64, error)
	GetRecord(ctx context.Context, table, key string) (*types.RecordState, error)
	CreateRecord(ctx context.Context, table, key string, payload []byte) (*types.RecordState, error)
	ReplaceRecord(ctx context.Context, table, key string, payload []byte, expectedVersion int64) (*types.RecordState, error)
	DeleteRecord(ctx context.Context, table, key string, expectedVersion int64) (*types.RecordState, error)
	CheckIdempotency(ctx context.Context, key string, now time.Time) (*store.IdempotentResponse, bool, error)
	StoreIdempotency(ctx context.Context, key string, resp store.IdempotentResponse, now time.Time, ttl time.Duration) error
}

// Handler implements the API handlers
type Handler struct {
	store          RecordStore
	apiKey         string
	version        string
	idempotencyTTL time.Duration
	now            func() time.Time
}

// NewHandler creates a new Handler. A non-positive idempotencyTTL selects
// DefaultIdempotencyTTL.
func NewHandler(s RecordStore, apiKey, version string, idempotencyTTL time.Duration) *Handler {
	if idempotencyTTL <= 0 {
		idempotencyTTL = DefaultIdempotencyTTL
	}
	return &Handler{
		store:          s,
		apiKey:         apiKey,
		version:        version,
		idempotencyTTL: idempotencyTTL,
		now:            time.Now,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Storage unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		RecordCount: count,
	})
}

// GetRecord handles GET /api/v1/tables/{table}/records/{key}. Absent
// records are returned as a tombstone with version 0.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ref := MustRecordRefFromContext(r.Context())

	state, err := h.store.GetRecord(r.Context(), ref.Table, ref.Key)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// CreateRecord handles POST /api/v1/tables/{table}/records/{key}.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "create", http.StatusCreated, true,
		func(ctx context.Context, ref RecordRef, payload []byte, _ int64) (*types.RecordState, error) {
			return h.store.CreateRecord(ctx, ref.Table, ref.Key, payload)
		})
}

// ReplaceRecord handles PUT /api/v1/tables/{table}/records/{key}.
func (h *Handler) ReplaceRecord(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "replace", http.StatusOK, true,
		func(ctx context.Context, ref RecordRef, payload []byte, expected int64) (*types.RecordState, error) {
			return h.store.ReplaceRecord(ctx, ref.Table, ref.Key, payload, expected)
		})
}

// DeleteRecord handles DELETE /api/v1/tables/{table}/records/{key}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "delete", http.StatusOK, false,
		func(ctx context.Context, ref RecordRef, _ []byte, expected int64) (*types.RecordState, error) {
			return h.store.DeleteRecord(ctx, ref.Table, ref.Key, expected)
		})
}

type mutation func(ctx context.Context, ref RecordRef, payload []byte, expectedVersion int64) (*types.RecordState, error)

// mutate runs the shared write path: idempotent replay, precondition and
// payload parsing, the store call, and caching of the outcome. Successful
// and conflicting outcomes are cached; storage failures are not, so a
// retry with the same key is processed again.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, action string, successStatus int, withBody bool, fn mutation) {
	ctx := r.Context()
	ref := MustRecordRefFromContext(ctx)
	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))

	if idemKey != "" {
		cached, found, err := h.store.CheckIdempotency(ctx, idemKey, h.now())
		if err != nil {
			slog.Error("idempotency check failed", "component", "api", "idempotency_key", idemKey, "error", err)
			MapStoreError(w, r, err)
			return
		}
		if found {
			slog.Info("idempotent replay",
				"component", "api",
				"action", action,
				"table", ref.Table,
				"key", ref.Key,
				"idempotency_key", idemKey,
			)
			w.Header().Set(headerIdempotentReply, "true")
			writeRaw(w, cached.Status, contentTypeFor(cached.Status), cached.Body)
			return
		}
	}

	expected, err := parseIfMatch(r.Header.Get(headerIfMatch))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var payload []byte
	if withBody {
		payload, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Payload exceeds size limit")
				return
			}
			WriteProblem(w, r, http.StatusBadRequest, "Unreadable request body")
			return
		}
		if verr := validation.ValidateJSON("payload", payload, false); verr != nil {
			WriteProblemWithErrors(w, r, "Invalid payload", []validation.ValidationError{*verr})
			return
		}
	}

	state, err := fn(ctx, ref, payload, expected)

	var status int
	var body []byte
	var rc *store.RecordConflictError
	switch {
	case err == nil:
		status = successStatus
		body, err = json.Marshal(state)
	case errors.As(err, &rc):
		slog.Info("write conflict",
			"component", "api",
			"action", action,
			"table", ref.Table,
			"key", ref.Key,
			"expected_version", expected,
			"current_version", rc.Current.Version,
		)
		status = http.StatusConflict
		body, err = conflictBody(r, rc.Current)
	default:
		slog.Error("write failed",
			"component", "api",
			"action", action,
			"table", ref.Table,
			"key", ref.Key,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if idemKey != "" {
		resp := store.IdempotentResponse{Status: status, Body: body}
		if err := h.store.StoreIdempotency(ctx, idemKey, resp, h.now(), h.idempotencyTTL); err != nil {
			// The write is committed; a retry will see a version conflict
			// instead of a replay.
			slog.Warn("idempotency record not stored",
				"component", "api",
				"idempotency_key", idemKey,
				"error", err,
			)
		}
	}

	if status == successStatus {
		slog.Debug("record written",
			"component", "api",
			"action", action,
			"table", ref.Table,
			"key", ref.Key,
			"version", state.Version,
		)
	}
	writeRaw(w, status, contentTypeFor(status), body)
}

// parseIfMatch parses the If-Match precondition. Both a bare version and a
// quoted entity tag are accepted. An absent header means no precondition.
func parseIfMatch(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return 0, errors.New("If-Match must be a positive record version")
	}
	return n, nil
}

func contentTypeFor(status int) string {
	if status >= 200 && status < 300 {
		return "application/json"
	}
	return "application/problem+json"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
