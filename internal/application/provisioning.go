package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Request validation errors.
var (
	ErrNameRequired  = errors.New("name is required")
	ErrUnknownDomain = errors.New("domain is not an allowed camouflage domain")
)

// CreateRequest describes a credential to provision.
type CreateRequest struct {
	Name   string
	Domain string
}

// ProvisioningService creates and removes credentials across the credential
// store, the port pool and the engine config. Each multi-step operation
// undoes its completed steps when a later one fails.
type ProvisioningService struct {
	credentials driven.CredentialStore
	ports       *PortAllocator
	config      *ConfigSynchronizer
	domains     []string
	now         func() time.Time
	newShortID  func() (string, error)
}

// NewProvisioningService creates a ProvisioningService. domains restricts the
// camouflage domains a credential may request; empty allows none.
func NewProvisioningService(
	credentials driven.CredentialStore,
	ports *PortAllocator,
	config *ConfigSynchronizer,
	domains []string,
) *ProvisioningService {
	return &ProvisioningService{
		credentials: credentials,
		ports:       ports,
		config:      config,
		domains:     domains,
		now:         time.Now,
		newShortID:  NewShortID,
	}
}

// NewShortID returns 8 random bytes as 16 hex characters.
func NewShortID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate short id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create provisions a credential: it allocates a port, stores the credential
// inactive, writes and applies its inbound, then marks it active. A failed
// step undoes the completed ones in reverse order.
func (s *ProvisioningService) Create(ctx context.Context, req CreateRequest) (*model.Credential, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	domain := strings.TrimSpace(req.Domain)
	if domain != "" && !slices.Contains(s.domains, domain) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}

	shortID, err := s.newShortID()
	if err != nil {
		return nil, err
	}

	cred := model.Credential{
		ID:        uuid.NewString(),
		Name:      name,
		UUID:      uuid.NewString(),
		CreatedAt: s.now().UTC(),
		ShortID:   shortID,
		Domain:    domain,
	}

	var undo compensations
	fail := func(err error) (*model.Credential, error) {
		undo.run(ctx, "create", cred.UUID)
		return nil, err
	}

	port, err := s.ports.Assign(ctx, cred.UUID, cred.ID, cred.Name)
	if err != nil {
		return nil, err
	}
	cred.Port = &port
	undo.add("release port", func(ctx context.Context) error {
		_, err := s.ports.Release(ctx, cred.UUID)
		return err
	})

	if err := s.credentials.Create(ctx, cred); err != nil {
		return fail(err)
	}
	undo.add("delete credential", func(ctx context.Context) error {
		return s.credentials.Delete(ctx, cred.UUID)
	})

	if err := s.config.Add(ctx, ParamsFor(cred)); err != nil {
		return fail(err)
	}
	undo.add("remove inbound", func(ctx context.Context) error {
		return s.config.Remove(ctx, cred.UUID)
	})

	if err := s.credentials.SetActive(ctx, cred.UUID, true); err != nil {
		return fail(err)
	}
	cred.IsActive = true

	slog.Info("credential created", "id", cred.ID, "uuid", cred.UUID, "name", cred.Name, "port", port)
	return &cred, nil
}

// Get returns the credential matching identifier (id or uuid).
func (s *ProvisioningService) Get(ctx context.Context, identifier string) (*model.Credential, error) {
	cred, err := s.credentials.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("%s: %w", identifier, driven.ErrCredentialNotFound)
	}
	return cred, nil
}

// List returns every credential.
func (s *ProvisioningService) List(ctx context.Context) ([]model.Credential, error) {
	return s.credentials.ListAll(ctx)
}

// Delete removes the credential's inbound, frees its port, then deletes the
// credential. The credential is only deleted once both earlier steps have
// succeeded; a failure restores what was already undone. Traffic history is
// kept.
func (s *ProvisioningService) Delete(ctx context.Context, identifier string) error {
	cred, err := s.Get(ctx, identifier)
	if err != nil {
		return err
	}

	var undo compensations

	if err := s.config.Remove(ctx, cred.UUID); err != nil {
		return err
	}
	if cred.IsActive {
		undo.add("restore inbound", func(ctx context.Context) error {
			return s.config.Add(ctx, ParamsFor(*cred))
		})
	}

	released, err := s.ports.Release(ctx, cred.UUID)
	if err != nil {
		undo.run(ctx, "delete", cred.UUID)
		return err
	}
	if released && cred.HasPort() {
		undo.add("restore port", func(ctx context.Context) error {
			return s.ports.Restore(ctx, *cred)
		})
	}

	if err := s.credentials.Delete(ctx, cred.UUID); err != nil {
		undo.run(ctx, "delete", cred.UUID)
		return err
	}

	slog.Info("credential deleted", "id", cred.ID, "uuid", cred.UUID)
	return nil
}

// SetActive enables or disables a credential. A disabled credential keeps its
// port but has no inbound.
func (s *ProvisioningService) SetActive(ctx context.Context, identifier string, active bool) (*model.Credential, error) {
	cred, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}

	if active {
		err = s.config.Add(ctx, ParamsFor(*cred))
	} else {
		err = s.config.Remove(ctx, cred.UUID)
	}
	if err != nil {
		return nil, err
	}

	if err := s.credentials.SetActive(ctx, cred.UUID, active); err != nil {
		s.undoActivation(ctx, *cred, active)
		return nil, err
	}
	if err := s.ports.SetActive(ctx, cred.UUID, active); err != nil {
		slog.Warn("port assignment flag not updated", "uuid", cred.UUID, "error", err)
	}

	cred.IsActive = active
	slog.Info("credential activation changed", "uuid", cred.UUID, "active", active)
	return cred, nil
}

func (s *ProvisioningService) undoActivation(ctx context.Context, cred model.Credential, active bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if active {
		err = s.config.Remove(ctx, cred.UUID)
	} else {
		err = s.config.Add(ctx, ParamsFor(cred))
	}
	if err != nil {
		slog.Error("activation rollback failed", "uuid", cred.UUID, "error", err)
	}
}

// RepairShortIDs gives every credential without a short id a fresh one and
// rewrites the inbounds of the active ones. It returns the number repaired.
func (s *ProvisioningService) RepairShortIDs(ctx context.Context) (int, error) {
	creds, err := s.credentials.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	var repaired int
	for _, c := range creds {
		if c.ShortID != "" {
			continue
		}
		shortID, err := s.newShortID()
		if err != nil {
			return repaired, err
		}
		if err := s.credentials.SetShortID(ctx, c.UUID, shortID); err != nil {
			return repaired, err
		}
		c.ShortID = shortID
		repaired++

		if c.IsActive && c.HasPort() {
			if err := s.config.Add(ctx, ParamsFor(c)); err != nil {
				return repaired, err
			}
		}
		slog.Info("short id repaired", "uuid", c.UUID)
	}
	return repaired, nil
}

// Reconcile rewrites the engine config from the stored credentials.
func (s *ProvisioningService) Reconcile(ctx context.Context) (ReconcileResult, error) {
	creds, err := s.credentials.ListAll(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	return s.config.Reconcile(ctx, creds)
}

// ValidateSync compares the engine config with the stored credentials.
func (s *ProvisioningService) ValidateSync(ctx context.Context) (SyncReport, error) {
	creds, err := s.credentials.ListAll(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	return s.config.ValidateSync(ctx, creds)
}

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// compensations undoes the completed steps of a multi-step operation.
type compensations []compensation

func (c *compensations) add(name string, fn func(ctx context.Context) error) {
	*c = append(*c, compensation{name: name, fn: fn})
}

// run executes the compensations newest first. It keeps going past failures
// and logs each one; the caller returns the error that triggered the undo.
func (c compensations) run(ctx context.Context, op, uuid string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(ctx); err != nil {
			slog.Error("provisioning rollback step failed", "op", op, "step", c[i].name, "uuid", uuid, "error", err)
		}
	}
}
