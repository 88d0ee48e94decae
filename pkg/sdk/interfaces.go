package sdk

import "github.com/celerix-dev/celerix-mirror/pkg/schema"

// --- Functional Interfaces (Interface Segregation) ---

// SampleWriter streams raw pointer samples into an open recording.
// saved is non-empty when the sample ended the recording and it was stored.
type SampleWriter interface {
	Move(x, y int32) (saved string, err error)
	Press(x, y int32, button schema.Button) (saved string, err error)
	Release(x, y int32, button schema.Button) (saved string, err error)
	Scroll(x, y int32, dx, dy int) (saved string, err error)
}

// SessionControl opens and closes recordings.
type SessionControl interface {
	// Begin starts a recording. A non-empty password encrypts the saved
	// container at strength (0 means the daemon default).
	Begin(username, password string, strength int) (recordingID string, err error)
	// Stop finishes the recording and returns the container path.
	Stop() (path string, err error)
	// Abort discards the recording.
	Abort() error
}

// --- Composite Interfaces ---

// Ingest is the full client side of the ingest protocol.
type Ingest interface {
	SampleWriter
	SessionControl
	Ping() error
	Close() error
}
