package protocol

import "errors"

var (
	// ErrFraming means byte alignment with the peer is lost. The connection
	// cannot recover and must be closed.
	ErrFraming = errors.New("protocol: framing error")

	// ErrMalformedField drops one packet: a key is not a decimal integer or
	// has no value.
	ErrMalformedField = errors.New("protocol: malformed field")

	// ErrInvalidEncoding drops one packet: a value is not valid UTF-8.
	ErrInvalidEncoding = errors.New("protocol: invalid encoding")

	ErrUnknownService  = errors.New("protocol: unknown service")
	ErrHandlerFailure  = errors.New("protocol: handler failure")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrClosed          = errors.New("protocol: connection closed")
)

// Kind maps err onto one of the package error kinds, or nil when err does
// not wrap any of them.
func Kind(err error) error {
	for _, kind := range []error{
		ErrFraming,
		ErrMalformedField,
		ErrInvalidEncoding,
		ErrUnknownService,
		ErrHandlerFailure,
		ErrPayloadTooLarge,
		ErrClosed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindLabel returns a short stable label for err's kind, for metrics and logs.
func KindLabel(err error) string {
	switch Kind(err) {
	case ErrFraming:
		return "framing"
	case ErrMalformedField:
		return "malformed_field"
	case ErrInvalidEncoding:
		return "invalid_encoding"
	case ErrUnknownService:
		return "unknown_service"
	case ErrHandlerFailure:
		return "handler_failure"
	case ErrPayloadTooLarge:
		return "payload_too_large"
	case ErrClosed:
		return "closed"
	default:
		return "other"
	}
}
