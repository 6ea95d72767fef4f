package tap

import "fmt"

// Kind classifies a failure by blast radius. Listener construction
// kinds abort that listener only; AcceptError leaves the listener
// serving; PairingError aborts one accept with full rollback;
// ReadError ends one connection.
type Kind uint8

const (
	KindAddressParse Kind = iota + 1
	KindSocketCreate
	KindWatcherAttach
	KindConfiguration
	KindAccept
	KindPairing
	KindRead
)

func (k Kind) String() string {
	switch k {
	case KindAddressParse:
		return "AddressParseError"
	case KindSocketCreate:
		return "SocketCreateError"
	case KindWatcherAttach:
		return "WatcherAttachError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindAccept:
		return "AcceptError"
	case KindPairing:
		return "PairingError"
	case KindRead:
		return "ReadError"
	}
	return "UnknownError"
}

// Error carries the failed operation name alongside its kind so every
// failure path can be logged with both.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, or zero when err is not
// a tap error.
func KindOf(err error) Kind {
	if te, ok := err.(*Error); ok {
		return te.Kind
	}
	return 0
}
