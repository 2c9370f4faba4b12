package xfer

import (
	"errors"
	"fmt"
	"strings"

	"pkt.systems/xfer/internal/naming"
	"pkt.systems/xfer/internal/storage"
)

// Kind classifies a transfer failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidRequest marks request or configuration validation failures.
	KindInvalidRequest
	// KindAuthConfiguration marks missing or rejected credentials.
	KindAuthConfiguration
	// KindPresign marks a failure to produce the source read URL. Nothing
	// was moved.
	KindPresign
	// KindTransferIO marks failures while checking, reading or writing
	// objects. The destination may hold a partial object.
	KindTransferIO
	// KindNameCollisionExhausted marks a resolver that ran out of attempts.
	KindNameCollisionExhausted
	// KindSourceDelete marks a completed copy whose source could not be
	// removed.
	KindSourceDelete
)

// Sentinels matched by errors.Is against an *Error of the same Kind.
var (
	ErrInvalidRequest         = errors.New("xfer: invalid request")
	ErrAuthConfiguration      = errors.New("xfer: auth configuration")
	ErrPresign                = errors.New("xfer: presign failed")
	ErrTransferIO             = errors.New("xfer: transfer io")
	ErrNameCollisionExhausted = errors.New("xfer: name collision attempts exhausted")
	ErrSourceDelete           = errors.New("xfer: source delete failed")
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindAuthConfiguration:
		return "auth_configuration"
	case KindPresign:
		return "presign"
	case KindTransferIO:
		return "transfer_io"
	case KindNameCollisionExhausted:
		return "name_collision_exhausted"
	case KindSourceDelete:
		return "source_delete"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindAuthConfiguration:
		return ErrAuthConfiguration
	case KindPresign:
		return ErrPresign
	case KindTransferIO:
		return ErrTransferIO
	case KindNameCollisionExhausted:
		return ErrNameCollisionExhausted
	case KindSourceDelete:
		return ErrSourceDelete
	default:
		return nil
	}
}

// Error is returned by every failing transfer and by the store factory.
type Error struct {
	Kind        Kind
	// Op names the step that failed ("presign", "resolve_name", "copy", ...).
	Op          string
	Source      ObjectLocator
	Destination ObjectLocator
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("xfer")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Source.Container != "" || e.Destination.Container != "" {
		fmt.Fprintf(&b, " %s -> %s", locatorString(e.Source), locatorString(e.Destination))
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e.Kind.
func (e *Error) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return KindUnknown
}

func locatorString(l ObjectLocator) string {
	if l.Container == "" && l.Key == "" {
		return "-"
	}
	return l.String()
}

func newError(kind Kind, op string, req TransferRequest, err error) *Error {
	return &Error{Kind: kind, Op: op, Source: req.Source, Destination: req.Destination, Err: err}
}

// classify picks a Kind for an error raised by a storage call made during op.
// Access denied always wins; otherwise fallback applies.
func classify(err error, fallback Kind) Kind {
	switch {
	case errors.Is(err, storage.ErrAccessDenied):
		return KindAuthConfiguration
	case errors.Is(err, naming.ErrExhausted):
		return KindNameCollisionExhausted
	default:
		return fallback
	}
}

func invalidf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Op: "validate", Err: fmt.Errorf(format, args...)}
}
