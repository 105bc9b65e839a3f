package driven

import (
	"context"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
)

// PortStore defines the driven port for port assignment persistence.
//
// Insert must rely on a uniqueness constraint on the port column: a concurrent
// claim of the same port returns ErrPortConflict, and a second port for the same
// uuid returns ErrAlreadyAssigned.
type PortStore interface {
	Insert(ctx context.Context, a model.PortAssignment) error
	// Release deletes the assignment for uuid and reports whether one existed.
	Release(ctx context.Context, uuid string) (bool, error)
	// GetByUUID returns (nil, nil) when uuid holds no port.
	GetByUUID(ctx context.Context, uuid string) (*model.PortAssignment, error)
	// ListAll returns assignments ordered by port.
	ListAll(ctx context.Context) ([]model.PortAssignment, error)
	Count(ctx context.Context) (int, error)
	SetActive(ctx context.Context, uuid string, active bool) error
}
