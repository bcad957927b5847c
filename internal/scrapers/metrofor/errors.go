package metrofor

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrCsrfTokenNotFound = errors.New("csrf token not found")
	ErrCookiesNotFound   = errors.New("cookies not found")
	ErrNoStationsFound   = errors.New("no stations found")
)

// TransportError means the upstream did not answer with a 2xx, or could not be reached at all.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metrofor: %s: transport: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("metrofor: %s: unexpected status %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request was abandoned because it took too long.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ParseError means the upstream answered successfully but the page lacked something we
// depend on.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("metrofor: %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsScrapeFailure is true for both TransportError and ParseError, which callers usually
// present the same way ("try again later").
func IsScrapeFailure(err error) bool {
	var transportErr *TransportError
	var parseErr *ParseError
	return errors.As(err, &transportErr) || errors.As(err, &parseErr)
}
