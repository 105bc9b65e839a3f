package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// PortAllocator hands out listening ports from a fixed range, one per
// credential. Uniqueness is enforced by the store, so concurrent allocators
// never need to coordinate beyond retrying a lost insert.
type PortAllocator struct {
	store       driven.PortStore
	credentials driven.CredentialStore
	prober      driven.PortProber
	recorder    driven.Recorder
	portRange   model.PortRange
	strictProbe bool
}

// NewPortAllocator creates a PortAllocator for portRange. With strictProbe
// set, a failed host probe aborts the assignment instead of assuming the port
// is free.
func NewPortAllocator(
	store driven.PortStore,
	credentials driven.CredentialStore,
	prober driven.PortProber,
	recorder driven.Recorder,
	portRange model.PortRange,
	strictProbe bool,
) *PortAllocator {
	return &PortAllocator{
		store:       store,
		credentials: credentials,
		prober:      prober,
		recorder:    recorder,
		portRange:   portRange,
		strictProbe: strictProbe,
	}
}

// Range returns the configured port range.
func (a *PortAllocator) Range() model.PortRange {
	return a.portRange
}

// Assign gives uuid the lowest eligible port. A port is eligible when no
// credential holds it and no process on the host is bound to it. When
// another caller claims the chosen port first the scan is repeated. If uuid
// already holds a port, that port is returned.
func (a *PortAllocator) Assign(ctx context.Context, uuid, keyID, keyName string) (int, error) {
	if existing, err := a.store.GetByUUID(ctx, uuid); err != nil {
		return 0, err
	} else if existing != nil {
		return existing.Port, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.portRange.Capacity())), ctx)

	port, err := backoff.RetryWithData(func() (int, error) {
		port, err := a.pick(ctx)
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		err = a.store.Insert(ctx, model.PortAssignment{
			Port:       port,
			UUID:       uuid,
			KeyID:      keyID,
			KeyName:    keyName,
			AssignedAt: time.Now().UTC(),
			IsActive:   true,
		})
		if errors.Is(err, driven.ErrPortConflict) {
			slog.Debug("port claimed concurrently, rescanning", "port", port, "uuid", uuid)
			return 0, err
		}
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		return port, nil
	}, policy)

	if errors.Is(err, driven.ErrAlreadyAssigned) {
		existing, getErr := a.store.GetByUUID(ctx, uuid)
		if getErr == nil && existing != nil {
			return existing.Port, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("assign port for %s: %w", uuid, err)
	}

	a.recorder.PortAssigned()
	a.refreshGauge(ctx)
	slog.Info("port assigned", "uuid", uuid, "key", keyName, "port", port)
	return port, nil
}

// pick scans the range in ascending order and returns the first port that is
// neither recorded nor bound on the host.
func (a *PortAllocator) pick(ctx context.Context) (int, error) {
	assignments, err := a.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	used := make(map[int]struct{}, len(assignments))
	for _, as := range assignments {
		used[as.Port] = struct{}{}
	}
	if len(used) >= a.portRange.Capacity() {
		return 0, driven.ErrCapacityExhausted
	}

	for port := a.portRange.Start; port <= a.portRange.End; port++ {
		if _, taken := used[port]; taken {
			continue
		}
		bound, err := a.bound(ctx, port)
		if err != nil {
			return 0, err
		}
		if bound {
			slog.Debug("port bound by another process, skipping", "port", port)
			continue
		}
		return port, nil
	}
	return 0, driven.ErrCapacityExhausted
}

func (a *PortAllocator) bound(ctx context.Context, port int) (bool, error) {
	inUse, err := a.prober.InUse(ctx, port)
	if err == nil {
		return inUse, nil
	}

	a.recorder.ProbeFailed()
	if a.strictProbe {
		return false, err
	}
	slog.Warn("port probe failed, assuming free", "port", port, "error", err)
	return false, nil
}

// Release frees the port held by uuid. It reports false when uuid held none.
func (a *PortAllocator) Release(ctx context.Context, uuid string) (bool, error) {
	released, err := a.store.Release(ctx, uuid)
	if err != nil {
		return false, err
	}
	if released {
		a.recorder.PortReleased()
		a.refreshGauge(ctx)
		slog.Info("port released", "uuid", uuid)
	}
	return released, nil
}

// Restore puts back the assignment of a credential whose port was released
// by an operation that is being undone. The credential keeps its old port.
func (a *PortAllocator) Restore(ctx context.Context, cred model.Credential) error {
	if !cred.HasPort() {
		return nil
	}
	err := a.store.Insert(ctx, model.PortAssignment{
		Port:       *cred.Port,
		UUID:       cred.UUID,
		KeyID:      cred.ID,
		KeyName:    cred.Name,
		AssignedAt: time.Now().UTC(),
		IsActive:   cred.IsActive,
	})
	if errors.Is(err, driven.ErrAlreadyAssigned) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore port %d for %s: %w", *cred.Port, cred.UUID, err)
	}
	a.recorder.PortAssigned()
	a.refreshGauge(ctx)
	return nil
}

// PortFor returns the port held by uuid.
func (a *PortAllocator) PortFor(ctx context.Context, uuid string) (int, bool, error) {
	as, err := a.store.GetByUUID(ctx, uuid)
	if err != nil {
		return 0, false, err
	}
	if as == nil {
		return 0, false, nil
	}
	return as.Port, true, nil
}

// SetActive mirrors a credential's active flag onto its assignment.
func (a *PortAllocator) SetActive(ctx context.Context, uuid string, active bool) error {
	return a.store.SetActive(ctx, uuid, active)
}

// List returns every assignment ordered by port.
func (a *PortAllocator) List(ctx context.Context) ([]model.PortAssignment, error) {
	return a.store.ListAll(ctx)
}

// Usage reports how much of the range is taken.
func (a *PortAllocator) Usage(ctx context.Context) (model.PortUsage, error) {
	n, err := a.store.Count(ctx)
	if err != nil {
		return model.PortUsage{}, err
	}
	capacity := a.portRange.Capacity()
	return model.PortUsage{
		Used:      n,
		Available: max(capacity-n, 0),
		Capacity:  capacity,
	}, nil
}

// Validate cross-checks assignments against credentials: every assignment
// must belong to an existing credential whose recorded port matches, every
// credential with a port must hold that assignment, and no port may fall
// outside the range.
func (a *PortAllocator) Validate(ctx context.Context) (model.PortValidation, error) {
	assignments, err := a.store.ListAll(ctx)
	if err != nil {
		return model.PortValidation{}, err
	}
	creds, err := a.credentials.ListAll(ctx)
	if err != nil {
		return model.PortValidation{}, err
	}

	byUUID := make(map[string]model.Credential, len(creds))
	for _, c := range creds {
		byUUID[c.UUID] = c
	}

	var issues []string
	ports := make(map[int]string, len(assignments))
	holders := make(map[string]int, len(assignments))
	for _, as := range assignments {
		if other, dup := ports[as.Port]; dup {
			issues = append(issues, fmt.Sprintf("port %d is assigned to both %s and %s", as.Port, other, as.UUID))
		}
		ports[as.Port] = as.UUID
		if other, dup := holders[as.UUID]; dup {
			issues = append(issues, fmt.Sprintf("uuid %s holds both port %d and %d", as.UUID, other, as.Port))
		}
		holders[as.UUID] = as.Port

		if !a.portRange.Contains(as.Port) {
			issues = append(issues, fmt.Sprintf("port %d of %s is outside %d-%d", as.Port, as.UUID, a.portRange.Start, a.portRange.End))
		}

		cred, ok := byUUID[as.UUID]
		switch {
		case !ok:
			issues = append(issues, fmt.Sprintf("port %d has no credential for uuid %s", as.Port, as.UUID))
		case cred.HasPort() && cred.PortOrZero() != as.Port:
			issues = append(issues, fmt.Sprintf("uuid %s records port %d but holds %d", as.UUID, cred.PortOrZero(), as.Port))
		}
	}

	for _, c := range creds {
		if !c.HasPort() {
			continue
		}
		if _, ok := holders[c.UUID]; !ok {
			issues = append(issues, fmt.Sprintf("uuid %s has no port assignment for port %d", c.UUID, c.PortOrZero()))
		}
	}

	return model.PortValidation{
		Valid:            len(issues) == 0,
		Issues:           issues,
		TotalAssignments: len(holders),
		TotalUsedPorts:   len(ports),
	}, nil
}

func (a *PortAllocator) refreshGauge(ctx context.Context) {
	if n, err := a.store.Count(ctx); err == nil {
		a.recorder.PortsInUse(n)
	}
}
