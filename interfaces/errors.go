package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when caller input violates an invariant. Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrResourceNotFound is returned when a referenced volume, instance or snapshot does not exist.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrProvider classifies irrecoverable remote failures, see ProviderError.
	ErrProvider = errors.New("provider error")

	// ErrKeyInUse is returned when deleting a key that still protects tracked resources.
	ErrKeyInUse = errors.New("key in use")

	// ErrTimeout is returned when a step exhausted its retry budget or the overall deadline passed.
	ErrTimeout = errors.New("timeout")

	// ErrProvisionTimeout is returned when an instance did not become ready in time.
	// The instance is left running.
	ErrProvisionTimeout = errors.New("provision timeout")

	// ErrAcquisitionIntegrity is returned when the source device could not be read
	// completely. The partial image must be discarded.
	ErrAcquisitionIntegrity = errors.New("acquisition integrity error")

	// ErrCapacity is returned when the requested instance shape is unavailable.
	ErrCapacity = errors.New("capacity unavailable")

	// ErrAttachmentConflict is returned when a device path is already in use.
	ErrAttachmentConflict = errors.New("attachment conflict")

	// ErrConflict is returned when a concurrent request holding the same
	// idempotency token produced different parameters.
	ErrConflict = errors.New("idempotency conflict")

	// ErrUnauthorized is returned when the credentials lack the required permissions.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrThrottled and ErrTransient mark failures that are safe to retry.
	ErrThrottled = errors.New("throttled")
	ErrTransient = errors.New("transient failure")

	// ErrBootstrapFailed is returned when the instance bootstrap reported failure.
	ErrBootstrapFailed = errors.New("bootstrap failed")

	// ErrTokenConsumed is returned when a share token is used a second time.
	ErrTokenConsumed = errors.New("share token already consumed")

	// ErrTokenExpired is returned when a share token is used after its validity window.
	ErrTokenExpired = errors.New("share token expired")

	// ErrResumeUnsupported is returned by image sinks that cannot resume an upload.
	ErrResumeUnsupported = errors.New("destination does not support resume")
)

// ProviderError wraps a failed remote call.
type ProviderError struct {
	Provider  ProviderKind
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is makes every ProviderError match ErrProvider.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrTransient)
}
