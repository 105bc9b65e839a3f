package driven

import (
	"context"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
)

// CredentialStore defines the driven port for credential persistence.
// Create returns ErrCredentialExists on duplicate id or uuid.
// Lookups return (nil, nil) when the credential does not exist.
type CredentialStore interface {
	Create(ctx context.Context, cred model.Credential) error
	GetByUUID(ctx context.Context, uuid string) (*model.Credential, error)
	// GetByIdentifier matches either the id or the uuid column.
	GetByIdentifier(ctx context.Context, identifier string) (*model.Credential, error)
	ListAll(ctx context.Context) ([]model.Credential, error)
	ListActive(ctx context.Context) ([]model.Credential, error)
	// SetActive returns ErrCredentialNotFound if no row matched.
	SetActive(ctx context.Context, uuid string, active bool) error
	// SetShortID returns ErrCredentialNotFound if no row matched.
	SetShortID(ctx context.Context, uuid, shortID string) error
	// Delete returns ErrCredentialNotFound if no row matched.
	Delete(ctx context.Context, uuid string) error
}
