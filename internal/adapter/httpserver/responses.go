package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vibetune/audiosidecar/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto the gateway's status codes. The
// streaming client distinguishes 428 (user has not finished device auth)
// from 401 (no usable session at all).
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrAuthPending):
		code = http.StatusPreconditionRequired
		codeStr = "AUTH_PENDING"
	case errors.Is(err, domain.ErrAuthExpired), errors.Is(err, domain.ErrUnauthenticated):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHENTICATED"
	case errors.Is(err, domain.ErrNoStreamURL):
		code = http.StatusNotFound
		codeStr = "NO_STREAM_URL"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrAgeRestricted):
		code = http.StatusUnavailableForLegalReasons
		codeStr = "AGE_RESTRICTED"
	case errors.Is(err, domain.ErrUpstreamRefresh):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_REFRESH_FAILED"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
