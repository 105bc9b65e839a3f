package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// ErrInvalidMonth indicates a month argument that is not YYYY-MM.
var ErrInvalidMonth = errors.New("month must be formatted as YYYY-MM")

// TrafficService serves traffic queries for credentials. Reads never fail
// because a refresh failed; they fall back to the last stored total.
type TrafficService struct {
	credentials driven.CredentialStore
	accountant  *TrafficAccountant
	store       driven.TrafficStore
	throttle    driven.RefreshThrottle
}

// NewTrafficService creates a TrafficService.
func NewTrafficService(
	credentials driven.CredentialStore,
	accountant *TrafficAccountant,
	store driven.TrafficStore,
	throttle driven.RefreshThrottle,
) *TrafficService {
	return &TrafficService{
		credentials: credentials,
		accountant:  accountant,
		store:       store,
		throttle:    throttle,
	}
}

// Usage returns the credential's traffic entry. With refresh set, a new
// sample is taken first unless the credential was refreshed too recently.
func (s *TrafficService) Usage(ctx context.Context, identifier string, refresh bool) (*model.TrafficEntry, error) {
	cred, err := s.lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}

	if refresh && s.allow(ctx, cred.UUID) {
		entry, err := s.accountant.UpdateEntry(ctx, cred.UUID, cred.Name, cred.PortOrZero(), nil)
		if err == nil {
			return entry, nil
		}
		slog.Warn("traffic refresh failed, serving stored total", "uuid", cred.UUID, "error", err)
	}

	entry, err := s.accountant.GetEntry(ctx, cred.UUID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &model.TrafficEntry{UUID: cred.UUID, KeyName: cred.Name, Port: cred.PortOrZero()}
	}
	return entry, nil
}

// Reset zeroes the credential's lifetime total.
func (s *TrafficService) Reset(ctx context.Context, identifier string) (bool, error) {
	cred, err := s.lookup(ctx, identifier)
	if err != nil {
		return false, err
	}
	return s.accountant.Reset(ctx, cred.UUID)
}

// Monthly aggregates the credential's daily buckets for month (YYYY-MM).
// An empty month means the current one.
func (s *TrafficService) Monthly(ctx context.Context, identifier, month string) (model.MonthlyTraffic, error) {
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return model.MonthlyTraffic{}, fmt.Errorf("%w: %q", ErrInvalidMonth, month)
	}

	cred, err := s.lookup(ctx, identifier)
	if err != nil {
		return model.MonthlyTraffic{}, err
	}

	days, err := s.store.Daily(ctx, cred.UUID, month+"-")
	if err != nil {
		return model.MonthlyTraffic{}, err
	}

	out := model.MonthlyTraffic{UUID: cred.UUID, YearMonth: month, Days: days}
	for _, d := range days {
		out.TotalBytes += d.Bytes
	}
	return out, nil
}

func (s *TrafficService) allow(ctx context.Context, uuid string) bool {
	return allowRefresh(ctx, s.throttle, uuid)
}

// allowRefresh consults the throttle shared by every caller that samples
// traffic. An unavailable throttle allows the refresh.
func allowRefresh(ctx context.Context, throttle driven.RefreshThrottle, uuid string) bool {
	ok, err := throttle.Allow(ctx, uuid)
	if err != nil {
		slog.Warn("refresh throttle unavailable, allowing refresh", "uuid", uuid, "error", err)
		return true
	}
	return ok
}

func (s *TrafficService) lookup(ctx context.Context, identifier string) (*model.Credential, error) {
	cred, err := s.credentials.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("%s: %w", identifier, driven.ErrCredentialNotFound)
	}
	return cred, nil
}
