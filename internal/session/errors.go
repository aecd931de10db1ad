package session

import "fmt"

// ErrorKind classifies why a session operation failed.
type ErrorKind int

const (
	KindAddressing ErrorKind = iota + 1
	KindNotFound
	KindConfiguration
	KindClassification
	KindTunnel
	KindRedirection
	KindProbe
)

// String returns a short name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindAddressing:
		return "addressing"
	case KindNotFound:
		return "not found"
	case KindConfiguration:
		return "configuration"
	case KindClassification:
		return "classification"
	case KindTunnel:
		return "tunnel"
	case KindRedirection:
		return "redirection"
	case KindProbe:
		return "latency probe"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is returned by Start and Test. The wrapped error's message is kept.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrRedirection) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAddressing     = &Error{Kind: KindAddressing}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrClassification = &Error{Kind: KindClassification}
	ErrTunnel         = &Error{Kind: KindTunnel}
	ErrRedirection    = &Error{Kind: KindRedirection}
	ErrProbe          = &Error{Kind: KindProbe}
)

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
