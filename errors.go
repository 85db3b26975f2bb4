package dispatch

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("dispatch: no store configured")
	ErrStoreClosed     = errors.New("dispatch: store closed")
	ErrMigrationFailed = errors.New("dispatch: migration failed")

	// Not found errors.
	ErrJobNotFound      = errors.New("dispatch: job not found")
	ErrWorkerNotFound   = errors.New("dispatch: worker not found")
	ErrTokenNotFound    = errors.New("dispatch: worker token not found")
	ErrTestCaseNotFound = errors.New("dispatch: test case not found")
	ErrVendorNotFound   = errors.New("dispatch: vendor not found")
	ErrWorkflowNotFound = errors.New("dispatch: workflow not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("dispatch: job already exists")

	// Credential errors. ErrInvalidCredential covers both unknown and
	// revoked tokens so callers cannot probe which tokens exist.
	ErrInvalidCredential = errors.New("dispatch: invalid or revoked worker token")

	// ErrUnknownWorker is returned for a heartbeat or claim from an
	// identity the registry has no record of. Workers receiving it are
	// expected to re-register.
	ErrUnknownWorker = errors.New("dispatch: unknown worker")

	// ErrLeaseMismatch is returned for a report on a job the reporting
	// worker no longer owns (reaped, reassigned, or already finalized).
	ErrLeaseMismatch = errors.New("dispatch: job lease not held by reporting worker")

	// ErrRegionMismatch is returned when a worker claims against a region
	// other than the one fixed at its registration.
	ErrRegionMismatch = errors.New("dispatch: claim region does not match worker region")

	// State errors.
	ErrInvalidState      = errors.New("dispatch: invalid state transition")
	ErrTestCaseDisabled  = errors.New("dispatch: test case is disabled")
	ErrWorkerNotEligible = errors.New("dispatch: worker is not eligible for work")
	ErrRetriesExhausted  = errors.New("dispatch: max lease retries exceeded")
)
