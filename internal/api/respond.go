// Package api is the HTTP surface: request parsing, role gating, file
// transfer, exports, and the routing table. Handlers validate and
// delegate; domain rules live in the services.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

var validate = validator.New()

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encode response failed", "error", err)
		}
	}
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindInvalid:
		return http.StatusBadRequest
	case core.KindUnauthenticated:
		return http.StatusUnauthorized
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps the error to a status and a JSON body. Internal
// details never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := "internal server error"
	var de *core.Error
	if status != http.StatusInternalServerError && errors.As(err, &de) {
		msg = de.Message
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode parses and validates a JSON request body.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return core.Wrap(core.KindInvalid, "malformed request body", err)
	}
	if err := validate.Struct(dst); err != nil {
		return core.Wrap(core.KindInvalid, "validation failed", err)
	}
	return nil
}
