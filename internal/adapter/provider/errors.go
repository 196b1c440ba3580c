package provider

import (
	"fmt"
	"strings"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// subStatusTokenExpired is the provider's "access token has expired" code,
// carried alongside HTTP 401.
const subStatusTokenExpired = 11003

// APIError is a non-2xx provider response. Unwrap maps known shapes onto the
// domain sentinels so errors.Is and Classify work at the call sites.
type APIError struct {
	Status    int
	SubStatus int
	Message   string
}

func (e *APIError) Error() string {
	if e.SubStatus != 0 {
		return fmt.Sprintf("provider: status=%d subStatus=%d: %s", e.Status, e.SubStatus, e.Message)
	}
	return fmt.Sprintf("provider: status=%d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	msg := strings.ToLower(e.Message)
	switch {
	case e.Status == 401 && (e.SubStatus == subStatusTokenExpired ||
		strings.Contains(msg, "token has expired") ||
		strings.Contains(msg, "expired on time")):
		return domain.ErrAuthExpired
	case e.Status == 400 && strings.Contains(msg, "authorization_pending"):
		return domain.ErrAuthPending
	case e.Status == 400 && strings.Contains(msg, "invalid argument"):
		// Some account tiers get this from the bearer search; the caller
		// pins the user to the public surface on it.
		return domain.ErrInvalidArgument
	case e.Status == 401 || e.Status == 403:
		return domain.ErrUnauthenticated
	case e.Status == 404:
		return domain.ErrNotFound
	case e.Status == 451 || strings.Contains(msg, "age restricted"):
		return domain.ErrAgeRestricted
	}
	return nil
}
