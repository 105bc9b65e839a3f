package application_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/vpnpanel/internal/application"
	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

var shortIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

type provisioningFixture struct {
	creds  *memCredentialStore
	ports  *memPortStore
	doc    *fakeDocument
	engine *fakeEngine
	alloc  *application.PortAllocator
	svc    *application.ProvisioningService
}

func newProvisioningFixture(t *testing.T, start, end int) *provisioningFixture {
	t.Helper()
	f := &provisioningFixture{
		creds:  &memCredentialStore{},
		ports:  newMemPortStore(),
		doc:    &fakeDocument{data: []byte(baseDocument)},
		engine: &fakeEngine{},
	}
	f.alloc = newAllocator(f.ports, f.creds, &fakeProber{}, start, end, false)
	syncer := application.NewConfigSynchronizer(
		f.doc, f.engine, &fakeKeys{km: driven.KeyMaterial{PrivateKey: "priv-key"}}, f.ports,
		driven.NopRecorder{}, engineconf.DefaultRoutingPolicy(), application.DefaultCamouflage(),
	)
	f.svc = application.NewProvisioningService(f.creds, f.alloc, syncer, []string{"www.apple.com"})
	return f
}

func TestProvisioningService_CreateUntilExhausted(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	var created []*model.Credential
	for i, want := range []int{10001, 10002, 10003} {
		c, err := f.svc.Create(ctx, application.CreateRequest{Name: "user"})
		require.NoError(t, err, "create %d", i)
		assert.Equal(t, want, c.PortOrZero())
		assert.True(t, c.IsActive)
		assert.Regexp(t, shortIDPattern, c.ShortID)
		created = append(created, c)
	}

	_, err := f.svc.Create(ctx, application.CreateRequest{Name: "overflow"})
	assert.ErrorIs(t, err, driven.ErrCapacityExhausted)
	assert.Equal(t, []int{10001, 10002, 10003}, f.ports.ports())

	all, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	doc := f.doc.parsed()
	assert.Len(t, doc.Managed(), 3)
	seen := map[string]bool{}
	for _, c := range created {
		in := doc.Inbounds[doc.Find(engineconf.Tag(c.UUID))]
		r, err := in.Reality()
		require.NoError(t, err)
		assert.Equal(t, []string{c.ShortID}, r.ShortIDs)
		assert.False(t, seen[c.ShortID], "short ids are unique")
		seen[c.ShortID] = true
	}
}

func TestProvisioningService_CreateValidation(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, application.CreateRequest{Name: "  "})
	assert.ErrorIs(t, err, application.ErrNameRequired)

	_, err = f.svc.Create(ctx, application.CreateRequest{Name: "bob", Domain: "evil.example"})
	assert.ErrorIs(t, err, application.ErrUnknownDomain)
	assert.Empty(t, f.ports.ports())

	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "bob", Domain: "www.apple.com"})
	require.NoError(t, err)
	assert.Equal(t, "www.apple.com", c.Domain)
}

func TestProvisioningService_CreateRollsBackOnConfigFailure(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	f.engine.fail = func(op, _ string) error {
		if op == "add" {
			return errors.New("rejected")
		}
		return nil
	}

	_, err := f.svc.Create(context.Background(), application.CreateRequest{Name: "alice"})
	assert.ErrorIs(t, err, driven.ErrLiveApply)
	assert.Empty(t, f.creds.creds)
	assert.Empty(t, f.ports.ports())
	assert.Equal(t, baseDocument, string(f.doc.data))
}

func TestProvisioningService_CreateReleasesPortOnStoreFailure(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	f.creds.createErr = driven.ErrCredentialExists

	_, err := f.svc.Create(context.Background(), application.CreateRequest{Name: "alice"})
	assert.ErrorIs(t, err, driven.ErrCredentialExists)
	assert.Empty(t, f.ports.ports())
	assert.Zero(t, f.doc.writes)
}

func TestProvisioningService_GetAndDelete(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "alice"})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.UUID, got.UUID)
	got, err = f.svc.Get(ctx, c.UUID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	require.NoError(t, f.svc.Delete(ctx, c.ID))
	assert.Empty(t, f.ports.ports())
	assert.Equal(t, []string{"api"}, f.doc.parsed().Tags())

	_, err = f.svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, driven.ErrCredentialNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, c.ID), driven.ErrCredentialNotFound)

	next, err := f.svc.Create(ctx, application.CreateRequest{Name: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 10001, next.PortOrZero(), "a released port is reused")
}

func TestProvisioningService_CreateActivatesOnlyAfterLiveApply(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	visible := -1
	f.engine.fail = func(op, _ string) error {
		if op == "add" {
			active, err := f.creds.ListActive(ctx)
			if err != nil {
				return err
			}
			visible = len(active)
		}
		return nil
	}

	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "alice"})
	require.NoError(t, err)
	assert.Zero(t, visible, "credential is not active while its inbound is being applied")
	assert.True(t, c.IsActive)

	active, err := f.creds.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, c.UUID, active[0].UUID)
}

func TestProvisioningService_CreateActivationFailureUnwinds(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	f.creds.setActiveErr = errors.New("disk full")

	_, err := f.svc.Create(context.Background(), application.CreateRequest{Name: "alice"})
	require.Error(t, err)
	assert.Empty(t, f.creds.creds)
	assert.Empty(t, f.ports.ports())
	assert.Empty(t, f.doc.parsed().Managed())

	require.NotEmpty(t, f.engine.calls)
	last := f.engine.calls[len(f.engine.calls)-1]
	assert.Equal(t, "remove", last.op)
}

func TestProvisioningService_DeleteReleaseFailureKeepsCredential(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "alice"})
	require.NoError(t, err)
	f.ports.releaseErr = errors.New("database is locked")

	err = f.svc.Delete(ctx, c.ID)
	require.Error(t, err)

	got, err := f.svc.Get(ctx, c.UUID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, []int{10001}, f.ports.ports())

	doc := f.doc.parsed()
	require.GreaterOrEqual(t, doc.Find(engineconf.Tag(c.UUID)), 0, "inbound is restored")

	report, err := f.alloc.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, "issues: %v", report.Issues)
}

func TestProvisioningService_DeleteStoreFailureRestoresPortAndInbound(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "alice"})
	require.NoError(t, err)
	f.creds.deleteErr = errors.New("database is locked")

	err = f.svc.Delete(ctx, c.ID)
	require.Error(t, err)

	_, err = f.svc.Get(ctx, c.UUID)
	require.NoError(t, err)
	assert.Equal(t, []int{10001}, f.ports.ports(), "the credential keeps its port")

	doc := f.doc.parsed()
	i := doc.Find(engineconf.Tag(c.UUID))
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, 10001, doc.Inbounds[i].Port)

	report, err := f.alloc.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, "issues: %v", report.Issues)

	f.creds.deleteErr = nil
	require.NoError(t, f.svc.Delete(ctx, c.ID))
	assert.Empty(t, f.ports.ports())
}

func TestProvisioningService_SetActiveKeepsPort(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "alice"})
	require.NoError(t, err)

	off, err := f.svc.SetActive(ctx, c.UUID, false)
	require.NoError(t, err)
	assert.False(t, off.IsActive)
	assert.Equal(t, []string{"api"}, f.doc.parsed().Tags())
	assert.Equal(t, []int{10001}, f.ports.ports())

	on, err := f.svc.SetActive(ctx, c.UUID, true)
	require.NoError(t, err)
	assert.True(t, on.IsActive)
	doc := f.doc.parsed()
	assert.Equal(t, 10001, doc.Inbounds[doc.Find(engineconf.Tag(c.UUID))].Port)
}

func TestProvisioningService_SetActiveEngineFailureLeavesStateUnchanged(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "alice"})
	require.NoError(t, err)
	f.engine.fail = func(string, string) error { return errors.New("down") }

	_, err = f.svc.SetActive(ctx, c.UUID, false)
	assert.ErrorIs(t, err, driven.ErrLiveApply)

	got, err := f.svc.Get(ctx, c.UUID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Len(t, f.doc.parsed().Managed(), 1)
}

func TestProvisioningService_RepairShortIDs(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	port := 10002
	require.NoError(t, f.creds.Create(ctx, model.Credential{ID: "legacy-id", Name: "legacy", UUID: "legacy", IsActive: true, Port: &port}))
	require.NoError(t, f.ports.Insert(ctx, model.PortAssignment{Port: port, UUID: "legacy", IsActive: true}))
	c, err := f.svc.Create(ctx, application.CreateRequest{Name: "fresh"})
	require.NoError(t, err)

	n, err := f.svc.RepairShortIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	legacy, err := f.svc.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Regexp(t, shortIDPattern, legacy.ShortID)

	doc := f.doc.parsed()
	r, err := doc.Inbounds[doc.Find(engineconf.Tag("legacy"))].Reality()
	require.NoError(t, err)
	assert.Equal(t, []string{legacy.ShortID}, r.ShortIDs)

	fresh, err := f.svc.Get(ctx, c.UUID)
	require.NoError(t, err)
	assert.Equal(t, c.ShortID, fresh.ShortID)

	n, err = f.svc.RepairShortIDs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProvisioningService_ReconcileAndValidate(t *testing.T) {
	f := newProvisioningFixture(t, 10001, 10003)
	ctx := context.Background()

	a, err := f.svc.Create(ctx, application.CreateRequest{Name: "a"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, application.CreateRequest{Name: "b"})
	require.NoError(t, err)

	// Simulate an operator wiping the document's managed entries.
	f.doc.data = []byte(baseDocument)
	report, err := f.svc.ValidateSync(ctx)
	require.NoError(t, err)
	assert.False(t, report.Synced)
	assert.Len(t, report.MissingInConfig, 2)

	result, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Added, 2)
	assert.Contains(t, result.Added, engineconf.Tag(a.UUID))

	report, err = f.svc.ValidateSync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Synced)
}
