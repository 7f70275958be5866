package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
	"github.com/hyperengineering/relay/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized: {
		typeURI: "https://relay.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://relay.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://relay.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://relay.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://relay.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://relay.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusConflict: {
		typeURI: "https://relay.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusRequestEntityTooLarge: {
		typeURI: "https://relay.dev/errors/payload-too-large",
		title:   "Payload Too Large",
	},
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{
			typeURI: "https://relay.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// ConflictProblem is the 409 response of a failed version precondition.
// Current is the authoritative record state; absent records are reported
// as deleted with version 0 and a null payload.
type ConflictProblem struct {
	Problem
	Current *types.RecordState `json:"current"`
}

// conflictBody builds the encoded 409 response for current.
func conflictBody(r *http.Request, current *types.RecordState) ([]byte, error) {
	return json.Marshal(ConflictProblem{
		Problem: newProblem(r, http.StatusConflict, "record changed concurrently"),
		Current: current,
	})
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var rc *store.RecordConflictError
	switch {
	case errors.As(err, &rc):
		body, encErr := conflictBody(r, rc.Current)
		if encErr != nil {
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeRaw(w, http.StatusConflict, "application/problem+json", body)
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrStorageUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Storage unavailable")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("failed to write response", "component", "api", "error", err)
	}
}
