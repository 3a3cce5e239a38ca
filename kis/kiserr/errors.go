// Package kiserr classifies failures surfaced by the KIS collaborators.
package kiserr

import (
	"errors"
	"fmt"
)

// Kind is the classification of a failure.
type Kind string

const (
	NoCredential      Kind = "NO_CREDENTIAL"
	NetworkError      Kind = "NETWORK_ERROR"
	AuthFailure       Kind = "AUTH_FAIL"
	InvalidIdentifier Kind = "INVALID_STOCK"
	ConnectionTimeout Kind = "CONNECTION_TIMEOUT"
	MalformedFrame    Kind = "MALFORMED_FRAME"
	RateLimited       Kind = "RATE_LIMITED"
)

// Sentinels usable with errors.Is.
var (
	ErrNoCredential      = &Error{Kind: NoCredential}
	ErrNetwork           = &Error{Kind: NetworkError}
	ErrAuthFailure       = &Error{Kind: AuthFailure}
	ErrInvalidIdentifier = &Error{Kind: InvalidIdentifier}
	ErrConnectionTimeout = &Error{Kind: ConnectionTimeout}
	ErrMalformedFrame    = &Error{Kind: MalformedFrame}
	ErrRateLimited       = &Error{Kind: RateLimited}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a classified error for op wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return "", false
}

// Label is the short text shown on an error card.
func (k Kind) Label() string {
	switch k {
	case NoCredential:
		return "API 키 미설정"
	case NetworkError:
		return "네트워크 오류"
	case AuthFailure:
		return "인증 실패"
	case InvalidIdentifier:
		return "종목 없음"
	case ConnectionTimeout:
		return "연결 시간 초과"
	case MalformedFrame:
		return "데이터 오류"
	case RateLimited:
		return "요청 제한"
	}
	return "알 수 없는 오류"
}
