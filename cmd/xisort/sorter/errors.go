package sorter

import "github.com/pkg/errors"

// Kind classifies a sort failure into one of four buckets. Every failure
// returned by this package wraps one of these.
type Kind int

const (
	// ConfigInvalid covers mem_limit==0 in external mode, a mem_limit too
	// small to hold one element, and input lengths that aren't a multiple
	// of 8 bytes. A zero buffer_elems is not an error: it selects
	// DefaultBufferElems.
	ConfigInvalid Kind = iota
	// IoError covers any failed open/read/write/unlink, including short
	// reads not at EOF and filesystem-full during run creation.
	IoError
	// ResourceExhausted covers allocation failure for records, the
	// auxiliary buffer, or per-run buffers.
	ResourceExhausted
	// Internal indicates an invariant violation that should be
	// unreachable and signals a bug in this package.
	Internal
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config invalid"
	case IoError:
		return "io error"
	case ResourceExhausted:
		return "resource exhausted"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the typed error every fatal failure in this package is wrapped
// in, so callers can branch on Kind without string matching.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, err: errors.New(msg)}
}

func wrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, err: errors.Wrap(err, msg)}
}

func errConfigInvalid(msg string) *Error  { return newError(ConfigInvalid, msg) }
func errInternal(msg string) *Error       { return newError(Internal, msg) }
func errIO(err error, msg string) *Error  { return wrapError(IoError, err, msg) }
func errAlloc(err error, msg string) *Error {
	return wrapError(ResourceExhausted, err, msg)
}
