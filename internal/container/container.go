// Package container persists encoded sessions as compressed, optionally
// encrypted files and reads them back. The file extension records whether the
// payload is encrypted; encryption keys are derived from the user's password
// and escrowed through an AccessGate before anything is written.
package container

import (
	"errors"
	"time"

	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// AccessGate is the credential store consulted for encrypted containers.
// A false result is a final denial.
type AccessGate interface {
	Authorize(username, password string) bool
	Escrow(username, fileID, secret string) bool
	HasAccess(username, fileID string) bool
	// Revoke drops the escrowed key of a container that was never written.
	Revoke(username, fileID string) bool
}

// Observer receives pipeline outcomes, for metrics. Kind is a short error
// class such as "access_denied"; it is empty on success.
type Observer interface {
	ObserveSave(encrypted bool, storedBytes int, elapsed time.Duration, kind string)
	ObserveLoad(encrypted bool, elapsed time.Duration, kind string)
}

// Header is the container metadata needed to interpret the payload.
// Strength is zero iff the payload is not encrypted.
type Header struct {
	Encrypted bool
	Strength  vault.Strength
}

// Container is a decoded container file.
type Container struct {
	Path    string
	Name    Name
	Header  Header
	Session schema.Session
}

// FileID returns the escrow identifier of the container.
func (c Container) FileID() string {
	return c.Name.FileID()
}

// ErrorKind classifies a pipeline error for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, schema.ErrEmptySession):
		return "empty_session"
	case errors.Is(err, schema.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, schema.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, schema.ErrDecompressionFailed):
		return "decompression_failed"
	case errors.Is(err, schema.ErrCompressionFailed):
		return "compression_failed"
	case errors.Is(err, schema.ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, schema.ErrMalformedContainer):
		return "malformed_container"
	default:
		return "io"
	}
}
