package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/chirpy/chat-backend/internal/auth"
	"github.com/chirpy/chat-backend/internal/chat"
	"github.com/chirpy/chat-backend/internal/users"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

// writeError maps a domain error to its HTTP status and writes the JSON
// error body. Unrecognized errors become 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, users.ErrBadCredentials),
		errors.Is(err, chat.ErrUnauthorized):
		status = http.StatusUnauthorized
		msg = err.Error()
	case errors.Is(err, chat.ErrNotMember):
		status = http.StatusForbidden
		msg = err.Error()
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, users.ErrNotFound):
		status = http.StatusNotFound
		msg = err.Error()
	case errors.Is(err, chat.ErrInvalidMessage):
		status = http.StatusBadRequest
		msg = err.Error()
	case errors.Is(err, chat.ErrBlocked):
		status = http.StatusUnprocessableEntity
		msg = err.Error()
	case errors.Is(err, chat.ErrTooOld):
		status = http.StatusGone
		msg = err.Error()
	default:
		log.Printf("[httpapi] internal error: %v", err)
	}

	writeJSON(w, status, errorResponse{Error: msg})
}

// badRequest writes a 400 with the given message.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// decodeBody decodes a JSON request body into dst, limited to 64 KiB.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
