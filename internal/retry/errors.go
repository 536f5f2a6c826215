package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

type Kind string

const (
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
)

// TransientError marks a failure against an external target that may succeed
// if tried again. Only these feed the circuit breaker.
type TransientError struct {
	Kind Kind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Connection(err error) error { return &TransientError{Kind: KindConnection, Err: err} }

func Timeout(err error) error { return &TransientError{Kind: KindTimeout, Err: err} }

// IsTransient reports whether err was classified as a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Classify wraps err in a TransientError when it looks like a connection
// failure or a timeout, and returns it unchanged otherwise.
func Classify(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return Connection(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Connection(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Connection(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return Timeout(err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "failed to connect"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "bad connection"):
		return Connection(err)
	}
	return err
}
