package transport

import (
	"errors"
	"fmt"
)

// AuthError reports rejected credentials. It is fatal: the supervisor never
// retries it.
type AuthError struct {
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// OpError reports a transient transport fault. The supervisor recovers from
// these; callers only see them once retries are exhausted.
type OpError struct {
	// Op is the operation that failed: "dial", "start", "probe", "read".
	Op   string
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
