package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/vpnpanel/internal/application"
	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

func TestTrafficPoller_SamplesActiveCredentials(t *testing.T) {
	p1, p2 := 10001, 10002
	creds := &memCredentialStore{creds: []model.Credential{
		{ID: "id-1", Name: "alice", UUID: "u1", IsActive: true, Port: &p1},
		{ID: "id-2", Name: "bob", UUID: "u2", IsActive: false, Port: &p2},
		{ID: "id-3", Name: "carol", UUID: "u3", IsActive: true},
	}}
	src := &fakeSource{name: "user_stats"}
	src.set("u1", directional(400, 600))
	src.set("u2", directional(1, 1))
	store := newMemTrafficStore()
	acct := application.NewTrafficAccountant(store, []driven.CounterSource{src}, driven.NopRecorder{})
	poller := application.NewTrafficPoller(creds, acct, store, fakeThrottle{allow: true}, time.Hour, 90*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := poller.Schedule("u1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}

	entry, err := acct.GetEntry(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(1000), entry.TotalBytes)

	info, ok := poller.Schedule("u1")
	require.True(t, ok)
	assert.Equal(t, application.TierHot, info.Tier)
	assert.True(t, info.NextSampleAt.After(info.LastSampled))

	inactive, err := acct.GetEntry(context.Background(), "u2")
	require.NoError(t, err)
	assert.Nil(t, inactive, "inactive credentials are not sampled")

	portless, err := acct.GetEntry(context.Background(), "u3")
	require.NoError(t, err)
	assert.Nil(t, portless, "credentials without a port are not sampled")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotEmpty(t, store.pruned)
}

func TestTrafficPoller_RespectsRefreshThrottle(t *testing.T) {
	p1, p2 := 10001, 10002
	creds := &memCredentialStore{creds: []model.Credential{
		{ID: "id-1", Name: "alice", UUID: "u1", IsActive: true, Port: &p1},
		{ID: "id-2", Name: "bob", UUID: "u2", IsActive: true, Port: &p2},
	}}
	src := &fakeSource{name: "user_stats"}
	src.set("u1", directional(400, 600))
	src.set("u2", directional(10, 20))
	store := newMemTrafficStore()
	acct := application.NewTrafficAccountant(store, []driven.CounterSource{src}, driven.NopRecorder{})

	throttle := application.NewMemoryThrottle(time.Hour)
	allowed, err := throttle.Allow(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, allowed, "an on-demand refresh just sampled u1")

	poller := application.NewTrafficPoller(creds, acct, store, throttle, time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := poller.Schedule("u2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	entry, err := acct.GetEntry(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, entry, "u1 is within its throttle interval")

	entry, err = acct.GetEntry(context.Background(), "u2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(30), entry.TotalBytes)
}
