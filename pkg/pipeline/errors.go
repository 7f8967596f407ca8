package pipeline

import (
	"fmt"
	"time"

	"sealgate/pkg/security/perm"
)

// AuthorizationError reports a verified identity lacking the permission an
// operation requires. Never retried.
type AuthorizationError struct {
	Subject  string
	Required perm.Permission
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("insufficient permissions, required: %s", e.Required)
}

// RateLimitError reports a throttled request along with how long the caller
// must wait. The pipeline never retries it; the hint is for the client.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Endpoint, e.RetryAfter.Round(time.Second))
}

// NotFoundError reports an absent object key. It is an outcome of the
// delegated operation, not a gating failure.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %q not found", e.Key)
}
