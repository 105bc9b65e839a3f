package driven

import (
	"context"

	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
)

// EngineController applies single-inbound changes to the running engine
// through its control API. Both calls are idempotent and bounded by a timeout;
// failures wrap ErrLiveApply.
type EngineController interface {
	// RemoveInbound removes the inbound with tag. Removing an absent tag succeeds.
	RemoveInbound(ctx context.Context, tag string) error
	// AddInbound adds the inbound from a single-entry document fragment.
	AddInbound(ctx context.Context, inbound engineconf.Inbound) error
}

// ConfigDocument is the engine's on-disk configuration document. It has no
// native concurrency control; Lock provides cross-process exclusion.
type ConfigDocument interface {
	Read(ctx context.Context) ([]byte, error)
	// Write replaces the document atomically.
	Write(ctx context.Context, data []byte) error
	// Backup stores a copy of data and returns where it was written.
	Backup(ctx context.Context, data []byte) (string, error)
	// Lock acquires an exclusive lock and returns its release function.
	Lock(ctx context.Context) (func(), error)
}

// KeyMaterial is the centrally-stored long-lived Reality key pair.
type KeyMaterial struct {
	PrivateKey string
	PublicKey  string
	ShortID    string // Legacy shared short id. Never written into an inbound.
}

// KeyMaterialSource loads the shared Reality key material.
// It returns ErrKeyMaterialMissing when no private key is available.
type KeyMaterialSource interface {
	Load(ctx context.Context) (KeyMaterial, error)
}
