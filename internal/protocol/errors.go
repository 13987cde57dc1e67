package protocol

import "errors"

// Decoder outcomes. ErrNotEnoughData is retryable once more chunks are framed;
// every other error is a hard parse failure.
var (
	ErrNotEnoughData       = errors.New("not enough data")
	ErrMalformedTag        = errors.New("malformed tag")
	ErrMalformedOption     = errors.New("malformed option")
	ErrMalformedPath       = errors.New("malformed path")
	ErrUnsupportedTagWidth = errors.New("unsupported tag width")

	// ErrLimitExceeded is returned when a read crosses the innermost cursor limit.
	ErrLimitExceeded = errors.New("read crosses sub-message limit")

	// ErrInvalidHandshake is returned for a connection message that cannot be parsed.
	ErrInvalidHandshake = errors.New("invalid connection message")
)

// IsRetryable reports whether a decoding error only means more bytes are needed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotEnoughData)
}
