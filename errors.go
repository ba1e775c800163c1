package cadence

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("cadence: no store configured")
	ErrStoreClosed = errors.New("cadence: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("cadence: job not found")
	ErrCampaignNotFound = errors.New("cadence: campaign not found")
	ErrDeliveryNotFound = errors.New("cadence: delivery attempt not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("cadence: job already exists")

	// ErrStoreConflict means a compare-and-swap transition lost a race with
	// a concurrent writer. Callers retry internally; it never surfaces past
	// the dispatcher boundary.
	ErrStoreConflict = errors.New("cadence: store conflict")

	// State errors.
	ErrInvalidState       = errors.New("cadence: invalid state transition")
	ErrMaxAttemptsReached = errors.New("cadence: max attempts reached")

	// ErrConfiguration indicates invalid limits, windows, or concurrency
	// values. Construction fails fast rather than running misconfigured.
	ErrConfiguration = errors.New("cadence: invalid configuration")

	// ErrNoExecutor means a job kind has no registered executor.
	ErrNoExecutor = errors.New("cadence: no executor registered for kind")
)
