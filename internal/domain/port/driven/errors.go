package driven

import "errors"

// Sentinel errors shared by the core components and their adapters.
var (
	// ErrCapacityExhausted indicates no port in the configured range is free.
	ErrCapacityExhausted = errors.New("port capacity exhausted")

	// ErrProbeFailure indicates the OS-level listening-socket check could not run.
	ErrProbeFailure = errors.New("port probe failed")

	// ErrPortConflict indicates a concurrent writer claimed the same port first.
	ErrPortConflict = errors.New("port already assigned")

	// ErrAlreadyAssigned indicates the credential already holds a port.
	ErrAlreadyAssigned = errors.New("credential already has a port")

	// ErrDocumentInvalid indicates the engine config document failed structural validation.
	ErrDocumentInvalid = errors.New("engine config document invalid")

	// ErrLiveApply indicates the engine rejected or timed out on a control command.
	ErrLiveApply = errors.New("engine live apply failed")

	// ErrCounterSourceUnavailable indicates a traffic counter source returned no reading.
	// It is distinct from a legitimate zero reading.
	ErrCounterSourceUnavailable = errors.New("counter source unavailable")

	// ErrCredentialNotFound indicates the requested credential does not exist.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialExists indicates a credential with the same id or uuid already exists.
	ErrCredentialExists = errors.New("credential already exists")

	// ErrNoPortAssigned indicates a config entry was requested for a credential without a port.
	ErrNoPortAssigned = errors.New("no port assigned")

	// ErrKeyMaterialMissing indicates the shared Reality key material could not be loaded.
	ErrKeyMaterialMissing = errors.New("reality key material missing")
)
