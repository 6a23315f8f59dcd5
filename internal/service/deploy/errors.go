package deploy

import "errors"

var (
	// ErrActiveDeployment is returned when the server already has a
	// deployment in a non-terminal stage.
	ErrActiveDeployment = errors.New("deploy: server has an active deployment")
	// ErrNotFound is returned for unknown deployments.
	ErrNotFound = errors.New("deploy: deployment not found")
	// ErrNotRunning is returned when input is sent to a deployment whose
	// program is not running. The input is discarded.
	ErrNotRunning = errors.New("deploy: deployment is not running")
	// ErrInvalidArchive is returned for empty or unrecognised uploads.
	ErrInvalidArchive = errors.New("deploy: invalid archive")
	// ErrArchiveTooLarge is returned for uploads above the size limit.
	ErrArchiveTooLarge = errors.New("deploy: archive too large")
	// ErrInvalidRequest is returned for malformed identifiers.
	ErrInvalidRequest = errors.New("deploy: invalid request")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("deploy: orchestrator shutting down")
)
