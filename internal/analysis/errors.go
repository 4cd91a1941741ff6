package analysis

import (
	"errors"
	"fmt"
)

// Kind classifies analysis failures.
type Kind string

const (
	KindTransport         Kind = "transport"
	KindRemoteRejection   Kind = "remote_rejection"
	KindMalformedResponse Kind = "malformed_response"
	KindNoInput           Kind = "no_input"
)

// ErrNoInput is returned when analysis is requested without an image.
var ErrNoInput = &Error{Kind: KindNoInput, Op: "analysis.resolve_source", Message: "no image available for analysis"}

// maxBodyInMessage caps how much of a rejection body is kept.
const maxBodyInMessage = 4 << 10

// Error is the failure returned by the analysis client.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Kind == KindRemoteRejection {
		msg = fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNoInput) holds
// for every no-input failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: "analysis service unreachable", Err: err}
}

func rejectionError(op string, status int, body string) *Error {
	if len(body) > maxBodyInMessage {
		body = body[:maxBodyInMessage]
	}
	return &Error{Kind: KindRemoteRejection, Op: op, Message: "analysis service rejected image", StatusCode: status, Body: body}
}

func malformedError(op string, status int, err error) *Error {
	return &Error{Kind: KindMalformedResponse, Op: op, Message: "malformed analysis response", StatusCode: status, Err: err}
}
