package remote

import "fmt"

// TransientError is a network or timeout failure. Callers retry with
// backoff; it is surfaced only after retries are exhausted, as a degraded
// sync state rather than a crash.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError is a credential rejection. It is not retryable: the sync loop
// halts and the user must re-authenticate.
type AuthError struct {
	Op         string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (HTTP %d)", e.Op, e.StatusCode)
}

// NotFoundError means the referenced remote resource is gone, e.g. an
// attachment purged server-side. The local row is marked permanently
// failed; no retry.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s not found on server", e.Op, e.Resource)
}
