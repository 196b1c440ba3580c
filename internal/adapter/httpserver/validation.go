package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/vibetune/audiosidecar/internal/domain"
)

const maxBodyBytes = 1 << 20

// decodeBody parses and validates a JSON request body into dst. dst must be
// a pointer to a struct carrying validate tags.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %s: %w", err, domain.ErrInvalidArgument)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %s failed %s validation: %w", f.Field(), f.Tag(), domain.ErrInvalidArgument)
		}
		return fmt.Errorf("invalid request: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// catalogID checks a path id. The provider only issues numeric ids; anything
// else is rejected before it reaches the upstream.
func catalogID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing id: %w", domain.ErrInvalidArgument)
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
		return "", fmt.Errorf("id %q is not numeric: %w", raw, domain.ErrInvalidArgument)
	}
	return raw, nil
}

// userIDParam reads the user_id query parameter.
func userIDParam(r *http.Request) (string, error) {
	id := r.URL.Query().Get("user_id")
	if id == "" {
		return "", fmt.Errorf("missing user_id: %w", domain.ErrInvalidArgument)
	}
	return id, nil
}

// pageParams reads limit and offset with sane bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
