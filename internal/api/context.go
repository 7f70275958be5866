package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/relay/internal/validation"
)

// RecordRef identifies the record addressed by a request path.
type RecordRef struct {
	Table string
	Key   string
}

// recordRefContextKey is the context key for the addressed record.
type recordRefContextKey struct{}

// ErrNoRecordInContext indicates no record reference was found in the context.
var ErrNoRecordInContext = errors.New("no record in context")

// WithRecordRef returns a new context with the record reference attached.
func WithRecordRef(ctx context.Context, ref RecordRef) context.Context {
	return context.WithValue(ctx, recordRefContextKey{}, ref)
}

// RecordRefFromContext extracts the record reference from the context.
// Returns ErrNoRecordInContext if not present.
func RecordRefFromContext(ctx context.Context) (RecordRef, error) {
	ref, ok := ctx.Value(recordRefContextKey{}).(RecordRef)
	if !ok {
		return RecordRef{}, ErrNoRecordInContext
	}
	return ref, nil
}

// MustRecordRefFromContext extracts the record reference or panics.
// Use only when RecordMiddleware guarantees its presence.
func MustRecordRefFromContext(ctx context.Context) RecordRef {
	ref, err := RecordRefFromContext(ctx)
	if err != nil {
		panic("record not in context: middleware misconfiguration")
	}
	return ref
}

// RecordMiddleware resolves the {table} and {key} path parameters,
// validates them and stores the RecordRef in the request context.
// Invalid identifiers are rejected with 422.
func RecordMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table, okTable := pathParam(r, "table")
		key, okKey := pathParam(r, "key")
		if !okTable || !okKey {
			WriteProblem(w, r, http.StatusBadRequest, "Malformed record path")
			return
		}

		if errs := validation.ValidateRecordIdentity(table, key); len(errs) > 0 {
			WriteProblemWithErrors(w, r, "Invalid record identity", errs)
			return
		}

		ctx := WithRecordRef(r.Context(), RecordRef{Table: table, Key: key})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// pathParam returns the decoded value of a chi URL parameter. chi matches
// against the raw path when the request carries one, leaving parameters
// escaped.
func pathParam(r *http.Request, name string) (string, bool) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, true
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return "", false
	}
	return decoded, true
}
