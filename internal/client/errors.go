package client

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed call to the recognition service.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindServer    ErrorKind = "server"
	KindNotFound  ErrorKind = "not_found"
)

// Sentinels for errors.Is checks against an *Error.
var (
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("request timed out")
	ErrServer    = errors.New("server error")
	ErrNotFound  = errors.New("job not found")
)

const (
	msgTimeout   = "request timed out: processing is taking too long, retry later or switch to async mode"
	msgTransport = "network error: unable to reach the recognition service"
)

// Error is the single shape every client failure is normalized into.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrServer:
		return e.Kind == KindServer
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// IsNotFound reports whether the server no longer knows the job.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTimeout reports whether the bounded wait was exceeded; callers should
// suggest async mode.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// Message returns the human-readable part of a client error, or err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Message
	}
	return err.Error()
}

// StatusCode returns the HTTP or envelope code carried by err, when any.
func StatusCode(err error) int {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.StatusCode
	}
	return 0
}

var notFoundMarkers = []string{"任务不存在"}

// asNotFound reclassifies a server error on a status lookup when it means
// the job is unknown to the server.
func asNotFound(err error) error {
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindServer {
		return err
	}
	if cerr.StatusCode == 404 {
		cerr.Kind = KindNotFound
		return cerr
	}
	msg := strings.ToLower(cerr.Message)
	for _, m := range notFoundMarkers {
		if strings.Contains(msg, m) {
			cerr.Kind = KindNotFound
			return cerr
		}
	}
	return err
}
