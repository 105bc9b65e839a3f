package application_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// --- Credential store ---

type memCredentialStore struct {
	mu           sync.Mutex
	creds        []model.Credential
	createErr    error
	setActiveErr error
	deleteErr    error
}

func (m *memCredentialStore) Create(_ context.Context, c model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.creds {
		if existing.ID == c.ID || existing.UUID == c.UUID {
			return driven.ErrCredentialExists
		}
	}
	m.creds = append(m.creds, c)
	return nil
}

func (m *memCredentialStore) find(identifier string) int {
	for i, c := range m.creds {
		if c.ID == identifier || c.UUID == identifier {
			return i
		}
	}
	return -1
}

func (m *memCredentialStore) GetByUUID(ctx context.Context, uuid string) (*model.Credential, error) {
	return m.GetByIdentifier(ctx, uuid)
}

func (m *memCredentialStore) GetByIdentifier(_ context.Context, identifier string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(identifier); i >= 0 {
		c := m.creds[i]
		return &c, nil
	}
	return nil, nil
}

func (m *memCredentialStore) ListAll(_ context.Context) ([]model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Credential(nil), m.creds...), nil
}

func (m *memCredentialStore) ListActive(_ context.Context) ([]model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Credential
	for _, c := range m.creds {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memCredentialStore) update(uuid string, fn func(*model.Credential)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(uuid)
	if i < 0 {
		return driven.ErrCredentialNotFound
	}
	fn(&m.creds[i])
	return nil
}

func (m *memCredentialStore) SetActive(_ context.Context, uuid string, active bool) error {
	if m.setActiveErr != nil {
		return m.setActiveErr
	}
	return m.update(uuid, func(c *model.Credential) { c.IsActive = active })
}

func (m *memCredentialStore) SetShortID(_ context.Context, uuid, shortID string) error {
	return m.update(uuid, func(c *model.Credential) { c.ShortID = shortID })
}

func (m *memCredentialStore) Delete(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	i := m.find(uuid)
	if i < 0 {
		return driven.ErrCredentialNotFound
	}
	m.creds = append(m.creds[:i], m.creds[i+1:]...)
	return nil
}

// --- Port store ---

type memPortStore struct {
	mu         sync.Mutex
	byPort     map[int]model.PortAssignment
	releaseErr error
}

func newMemPortStore() *memPortStore {
	return &memPortStore{byPort: make(map[int]model.PortAssignment)}
}

func (m *memPortStore) Insert(_ context.Context, a model.PortAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byPort[a.Port]; taken {
		return driven.ErrPortConflict
	}
	for _, existing := range m.byPort {
		if existing.UUID == a.UUID {
			return driven.ErrAlreadyAssigned
		}
	}
	m.byPort[a.Port] = a
	return nil
}

func (m *memPortStore) Release(_ context.Context, uuid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return false, m.releaseErr
	}
	for port, a := range m.byPort {
		if a.UUID == uuid {
			delete(m.byPort, port)
			return true, nil
		}
	}
	return false, nil
}

func (m *memPortStore) GetByUUID(_ context.Context, uuid string) (*model.PortAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byPort {
		if a.UUID == uuid {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *memPortStore) ListAll(_ context.Context) ([]model.PortAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PortAssignment, 0, len(m.byPort))
	for _, a := range m.byPort {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

func (m *memPortStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPort), nil
}

func (m *memPortStore) SetActive(_ context.Context, uuid string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, a := range m.byPort {
		if a.UUID == uuid {
			a.IsActive = active
			m.byPort[port] = a
		}
	}
	return nil
}

func (m *memPortStore) ports() []int {
	all, _ := m.ListAll(context.Background())
	out := make([]int, 0, len(all))
	for _, a := range all {
		out = append(out, a.Port)
	}
	return out
}

// --- Traffic store ---

type memTrafficStore struct {
	mu      sync.Mutex
	entries map[string]*model.TrafficEntry
	daily   map[string]map[string]int64
	pruned  []time.Time
}

func newMemTrafficStore() *memTrafficStore {
	return &memTrafficStore{
		entries: make(map[string]*model.TrafficEntry),
		daily:   make(map[string]map[string]int64),
	}
}

func (m *memTrafficStore) Get(_ context.Context, uuid string) (*model.TrafficEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[uuid]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *memTrafficStore) ListAll(_ context.Context) ([]model.TrafficEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TrafficEntry
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (m *memTrafficStore) Apply(_ context.Context, u model.TrafficUpdate) (*model.TrafficEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Delta < 0 {
		return nil, errors.New("negative delta")
	}
	e, ok := m.entries[u.UUID]
	if !ok {
		e = &model.TrafficEntry{UUID: u.UUID, CreatedAt: u.At}
		m.entries[u.UUID] = e
	}
	e.TotalBytes += u.Delta
	if u.KeyName != "" {
		e.KeyName = u.KeyName
	}
	if u.Port > 0 {
		e.Port = u.Port
	}
	if u.LastRaw != nil {
		e.LastRaw = u.LastRaw
	}
	if u.LastCounter != nil {
		e.LastCounter = u.LastCounter
	}
	e.LastSource = u.Source
	e.UpdatedAt = u.At
	if u.Delta > 0 {
		if m.daily[u.UUID] == nil {
			m.daily[u.UUID] = make(map[string]int64)
		}
		m.daily[u.UUID][u.At.Format(time.DateOnly)] += u.Delta
	}
	cp := *e
	return &cp, nil
}

func (m *memTrafficStore) Reset(_ context.Context, uuid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[uuid]
	if !ok {
		return false, nil
	}
	e.TotalBytes = 0
	e.LastRaw = nil
	e.LastCounter = nil
	delete(m.daily, uuid)
	return true, nil
}

func (m *memTrafficStore) Daily(_ context.Context, uuid, prefix string) ([]model.DailyTraffic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DailyTraffic
	for day, b := range m.daily[uuid] {
		if strings.HasPrefix(day, prefix) {
			out = append(out, model.DailyTraffic{Day: day, Bytes: b})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func (m *memTrafficStore) PruneDaily(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, cutoff)
	var n int64
	limit := cutoff.Format(time.DateOnly)
	for _, days := range m.daily {
		for day := range days {
			if day < limit {
				delete(days, day)
				n++
			}
		}
	}
	return n, nil
}

// --- Port prober ---

type fakeProber struct {
	bound map[int]bool
	err   error
}

func (f *fakeProber) InUse(_ context.Context, port int) (bool, error) {
	if f.err != nil {
		return false, fmt.Errorf("%w: %w", driven.ErrProbeFailure, f.err)
	}
	return f.bound[port], nil
}

// --- Config document ---

type fakeDocument struct {
	mu       sync.Mutex
	data     []byte
	writes   int
	backups  [][]byte
	writeErr error
}

func (f *fakeDocument) Read(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...), nil
}

func (f *fakeDocument) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes++
	f.data = append([]byte(nil), data...)
	return nil
}

func (f *fakeDocument) Backup(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups = append(f.backups, append([]byte(nil), data...))
	return fmt.Sprintf("backup-%d.json", len(f.backups)), nil
}

func (f *fakeDocument) Lock(_ context.Context) (func(), error) {
	return func() {}, nil
}

func (f *fakeDocument) parsed() *engineconf.Document {
	doc, err := engineconf.Parse(f.data)
	if err != nil {
		panic(err)
	}
	return doc
}

// --- Engine controller ---

type engineCall struct {
	op  string
	tag string
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall
	// fail returns an error for a matching call.
	fail func(op, tag string) error
}

func (f *fakeEngine) record(op, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, engineCall{op: op, tag: tag})
	if f.fail != nil {
		if err := f.fail(op, tag); err != nil {
			return fmt.Errorf("%w: %w", driven.ErrLiveApply, err)
		}
	}
	return nil
}

func (f *fakeEngine) AddInbound(_ context.Context, in engineconf.Inbound) error {
	return f.record("add", in.Tag)
}

func (f *fakeEngine) RemoveInbound(_ context.Context, tag string) error {
	return f.record("remove", tag)
}

// --- Key material ---

type fakeKeys struct {
	km  driven.KeyMaterial
	err error
}

func (f *fakeKeys) Load(_ context.Context) (driven.KeyMaterial, error) {
	return f.km, f.err
}

// --- Counter source ---

type fakeSource struct {
	name    string
	mu      sync.Mutex
	samples map[string]model.TrafficSample
	err     error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) set(uuid string, s model.TrafficSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = make(map[string]model.TrafficSample)
	}
	s.Source = f.name
	f.samples[uuid] = s
}

func (f *fakeSource) Sample(_ context.Context, uuid string) (model.TrafficSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.TrafficSample{}, f.err
	}
	s, ok := f.samples[uuid]
	if !ok {
		return model.TrafficSample{}, driven.ErrCounterSourceUnavailable
	}
	return s, nil
}

func directional(up, down int64) model.TrafficSample {
	return model.TrafficSample{Kind: model.SampleDirectional, Uplink: up, Downlink: down}
}

// --- Throttle ---

type fakeThrottle struct {
	allow bool
	err   error
}

func (f fakeThrottle) Allow(context.Context, string) (bool, error) {
	return f.allow, f.err
}

const baseDocument = `{
  "log": {"loglevel": "warning"},
  "api": {"tag": "api", "services": ["HandlerService", "StatsService"]},
  "stats": {},
  "inbounds": [
    {"listen": "127.0.0.1", "port": 10085, "protocol": "dokodemo-door", "settings": {"address": "127.0.0.1"}, "tag": "api"}
  ],
  "outbounds": [
    {"protocol": "freedom", "tag": "direct"},
    {"protocol": "blackhole", "tag": "blocked"}
  ],
  "routing": {
    "domainStrategy": "AsIs",
    "rules": [
      {"type": "field", "inboundTag": ["api"], "outboundTag": "api"},
      {"type": "field", "ip": ["geoip:private"], "outboundTag": "blocked"}
    ]
  }
}`
