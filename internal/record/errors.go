package record

import (
	"errors"
	"fmt"
	"strings"
)

// Core error kinds. Callers classify with errors.Is / errors.As; the sync
// engine pattern-matches these instead of driving control flow through
// panics or ad-hoc string checks.
var (
	// ErrRetryable marks a transient network or database failure. The
	// owning component retries with backoff before surfacing Degraded.
	ErrRetryable = errors.New("retryable failure")

	// ErrSuperseded is returned by put when the stored copy is newer than
	// the incoming record. The stored copy is left intact.
	ErrSuperseded = errors.New("superseded by newer version")

	ErrPeerUnreachable        = errors.New("peer unreachable")
	ErrUsernameConflict       = errors.New("username already exists")
	ErrUniquenessUnverifiable = errors.New("username uniqueness unverifiable")
	ErrTransitionBusy         = errors.New("mode transition already in progress")
	ErrCorruptSnapshot        = errors.New("snapshot content hash mismatch")

	// ErrRestartRequired is returned after a successful restore; the CLI
	// maps it to exit code 42.
	ErrRestartRequired = errors.New("restart required")
)

// InvalidConfigError rejects a configuration at the boundary and lists
// what is missing or malformed.
type InvalidConfigError struct {
	Missing []string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: missing %s", strings.Join(e.Missing, ", "))
}

// Retryable wraps err so that errors.Is(err, ErrRetryable) holds.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
