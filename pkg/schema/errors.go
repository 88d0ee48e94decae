package schema

import "errors"

var (
	// ErrMalformedContainer is returned when serialized session bytes cannot be parsed.
	ErrMalformedContainer = errors.New("malformed container")
	// ErrCompressionFailed is returned when the payload cannot be compressed.
	ErrCompressionFailed = errors.New("compression failed")
	// ErrDecompressionFailed is returned for corrupt or truncated compressed payloads.
	ErrDecompressionFailed = errors.New("decompression failed")
	// ErrAuthenticationFailed is returned when ciphertext does not verify under the key.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAccessDenied is returned when the access gate refuses an operation.
	ErrAccessDenied = errors.New("access denied")
	// ErrEmptySession is returned when saving a session with no events. Nothing is written.
	ErrEmptySession = errors.New("empty session")
	// ErrInvalidSession is returned when a session to be saved breaks its own
	// invariants, such as offsets going backwards. Nothing is written.
	ErrInvalidSession = errors.New("invalid session")
	// ErrRecordingActive is returned when a recording is started while another is open.
	ErrRecordingActive = errors.New("recording already active")
)

// Describe returns the user-facing message for a pipeline error.
// Each error kind has its own message; unknown errors fall back to err.Error().
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptySession):
		return "nothing to save: the recording contains no events"
	case errors.Is(err, ErrAccessDenied):
		return "access denied: the account is not authorized for this encrypted recording"
	case errors.Is(err, ErrAuthenticationFailed):
		return "cannot decrypt recording: wrong password or the file was modified"
	case errors.Is(err, ErrDecompressionFailed):
		return "cannot read recording: compressed data is corrupt or truncated"
	case errors.Is(err, ErrCompressionFailed):
		return "cannot save recording: compression failed"
	case errors.Is(err, ErrInvalidSession):
		return "cannot save recording: events are malformed or out of order"
	case errors.Is(err, ErrMalformedContainer):
		return "cannot read recording: not a valid mirror session"
	case errors.Is(err, ErrRecordingActive):
		return "a recording is already in progress"
	default:
		return err.Error()
	}
}
