package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Camouflage holds the Reality parameters shared by every managed inbound
// that does not pick its own domain.
type Camouflage struct {
	Dest        string
	ServerNames []string
	MaxTimeDiff int
}

// DefaultCamouflage returns the stock camouflage target and server names.
func DefaultCamouflage() Camouflage {
	return Camouflage{
		Dest: "www.microsoft.com:443",
		ServerNames: []string{
			"www.microsoft.com",
			"www.cloudflare.com",
			"www.google.com",
			"www.github.com",
			"www.apple.com",
			"www.amazon.com",
		},
		MaxTimeDiff: 600,
	}
}

// EntryParams identifies the credential an inbound is built for.
type EntryParams struct {
	UUID    string
	Name    string
	ShortID string
	Domain  string
}

// ParamsFor returns the entry parameters of a credential.
func ParamsFor(c model.Credential) EntryParams {
	return EntryParams{UUID: c.UUID, Name: c.Name, ShortID: c.ShortID, Domain: c.Domain}
}

// ReconcileResult lists the inbound tags touched by a reconcile.
type ReconcileResult struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
	// Skipped lists active credentials that hold no port.
	Skipped []string `json:"skipped"`
}

// Changed reports whether the reconcile modified the document.
func (r ReconcileResult) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

// SyncReport is a read-only comparison of credentials and the document.
type SyncReport struct {
	Synced            bool     `json:"synced"`
	MissingInConfig   []string `json:"missing_in_config"`
	ExtraInConfig     []string `json:"extra_in_config"`
	ShortIDMismatches []string `json:"short_id_mismatches"`
	PortMismatches    []string `json:"port_mismatches"`
}

// ConfigStatus summarises the document.
type ConfigStatus struct {
	TotalInbounds   int      `json:"total_inbounds"`
	ManagedInbounds int      `json:"managed_inbounds"`
	ControlInbound  bool     `json:"control_inbound"`
	Valid           bool     `json:"valid"`
	Issues          []string `json:"issues,omitempty"`
}

type liveStep struct {
	add    *engineconf.Inbound
	remove string
	prev   *engineconf.Inbound // Inbound the removal displaces, if any.
}

// ConfigSynchronizer keeps the engine's config document and the running
// engine in step with credential state. Every mutation backs the document up,
// validates the result before writing, and restores the original bytes if
// the engine rejects the change.
type ConfigSynchronizer struct {
	doc        driven.ConfigDocument
	engine     driven.EngineController
	keys       driven.KeyMaterialSource
	ports      driven.PortStore
	recorder   driven.Recorder
	policy     engineconf.RoutingPolicy
	camouflage Camouflage

	mu sync.Mutex
}

// NewConfigSynchronizer creates a ConfigSynchronizer.
func NewConfigSynchronizer(
	doc driven.ConfigDocument,
	engine driven.EngineController,
	keys driven.KeyMaterialSource,
	ports driven.PortStore,
	recorder driven.Recorder,
	policy engineconf.RoutingPolicy,
	camouflage Camouflage,
) *ConfigSynchronizer {
	return &ConfigSynchronizer{
		doc:        doc,
		engine:     engine,
		keys:       keys,
		ports:      ports,
		recorder:   recorder,
		policy:     policy,
		camouflage: camouflage,
	}
}

// BuildEntry constructs the inbound for a credential from its assigned port,
// its short id and the shared key material.
func (s *ConfigSynchronizer) BuildEntry(ctx context.Context, p EntryParams) (engineconf.Inbound, error) {
	km, err := s.keys.Load(ctx)
	if err != nil {
		return engineconf.Inbound{}, err
	}
	as, err := s.ports.GetByUUID(ctx, p.UUID)
	if err != nil {
		return engineconf.Inbound{}, err
	}
	if as == nil {
		return engineconf.Inbound{}, fmt.Errorf("build entry for %s: %w", p.UUID, driven.ErrNoPortAssigned)
	}
	return s.buildEntry(p, as.Port, km)
}

// buildEntry leaves shortIds empty for a credential without a short id; the
// shared legacy id is never reused across credentials.
func (s *ConfigSynchronizer) buildEntry(p EntryParams, port int, km driven.KeyMaterial) (engineconf.Inbound, error) {
	dest := s.camouflage.Dest
	serverNames := s.camouflage.ServerNames
	if p.Domain != "" {
		dest = net.JoinHostPort(p.Domain, "443")
		serverNames = []string{p.Domain}
	}

	return engineconf.NewInbound(engineconf.EntrySpec{
		UUID:        p.UUID,
		Port:        port,
		ShortID:     p.ShortID,
		PrivateKey:  km.PrivateKey,
		Dest:        dest,
		ServerNames: serverNames,
		MaxTimeDiff: s.camouflage.MaxTimeDiff,
	})
}

// Add writes the credential's inbound to the document, replacing a stale
// entry with the same tag, and applies it to the running engine.
func (s *ConfigSynchronizer) Add(ctx context.Context, p EntryParams) error {
	in, err := s.BuildEntry(ctx, p)
	if err != nil {
		return err
	}

	return s.locked(ctx, func(original []byte, doc *engineconf.Document) error {
		step := liveStep{remove: in.Tag}
		if i := doc.Find(in.Tag); i >= 0 {
			prev := doc.Inbounds[i]
			step.prev = &prev
		}
		doc.Upsert(in)

		return s.commit(ctx, "add", original, doc, []liveStep{step, {add: &in}})
	})
}

// Remove deletes the credential's inbound from the document and the engine.
func (s *ConfigSynchronizer) Remove(ctx context.Context, uuid string) error {
	tag := engineconf.Tag(uuid)

	return s.locked(ctx, func(original []byte, doc *engineconf.Document) error {
		i := doc.Find(tag)
		if i < 0 {
			// Nothing to write; make sure the engine agrees.
			if err := s.engine.RemoveInbound(ctx, tag); err != nil {
				s.recorder.LiveApplyFailed("remove")
				return err
			}
			return nil
		}

		prev := doc.Inbounds[i]
		doc.Remove(tag)
		return s.commit(ctx, "remove", original, doc, []liveStep{{remove: tag, prev: &prev}})
	})
}

// Reconcile rewrites the inbound list so it holds the control inbound plus
// exactly one entry per active credential with a port. Entries already in
// the desired state are kept verbatim.
func (s *ConfigSynchronizer) Reconcile(ctx context.Context, creds []model.Credential) (ReconcileResult, error) {
	var result ReconcileResult

	km, err := s.keys.Load(ctx)
	if err != nil {
		return result, err
	}
	assignments, err := s.ports.ListAll(ctx)
	if err != nil {
		return result, err
	}
	portOf := make(map[string]int, len(assignments))
	for _, as := range assignments {
		portOf[as.UUID] = as.Port
	}

	var desired []engineconf.Inbound
	for _, c := range creds {
		if !c.IsActive {
			continue
		}
		port, ok := portOf[c.UUID]
		if !ok {
			result.Skipped = append(result.Skipped, c.UUID)
			continue
		}
		in, err := s.buildEntry(ParamsFor(c), port, km)
		if err != nil {
			return result, err
		}
		desired = append(desired, in)
	}

	err = s.locked(ctx, func(original []byte, doc *engineconf.Document) error {
		current := make(map[string]engineconf.Inbound, len(doc.Inbounds))
		var next []engineconf.Inbound
		for _, in := range doc.Inbounds {
			current[in.Tag] = in
			if in.Tag == s.policy.ControlTag {
				next = append(next, in)
			}
		}

		var steps []liveStep
		wanted := make(map[string]bool, len(desired))
		for _, in := range desired {
			wanted[in.Tag] = true

			prev, exists := current[in.Tag]
			switch {
			case exists && engineconf.SameDesiredState(prev, in):
				next = append(next, prev)
				result.Unchanged = append(result.Unchanged, in.Tag)
				continue
			case exists:
				result.Updated = append(result.Updated, in.Tag)
				steps = append(steps, liveStep{remove: in.Tag, prev: &prev})
			default:
				result.Added = append(result.Added, in.Tag)
				steps = append(steps, liveStep{remove: in.Tag})
			}
			next = append(next, in)
			steps = append(steps, liveStep{add: &in})
		}

		for _, in := range doc.Inbounds {
			if in.Tag == s.policy.ControlTag || wanted[in.Tag] {
				continue
			}
			if in.Tag != "" {
				result.Removed = append(result.Removed, in.Tag)
				steps = append(steps, liveStep{remove: in.Tag, prev: &in})
			}
		}

		doc.Inbounds = next
		if !result.Changed() {
			return s.commitRoutingOnly(ctx, original, doc)
		}
		return s.commit(ctx, "reconcile", original, doc, steps)
	})
	if err != nil {
		return result, err
	}

	slog.Info("engine config reconciled",
		"added", len(result.Added),
		"updated", len(result.Updated),
		"removed", len(result.Removed),
		"unchanged", len(result.Unchanged),
		"skipped", len(result.Skipped),
	)
	return result, nil
}

// ValidateSync compares the document against credentials without changing
// anything.
func (s *ConfigSynchronizer) ValidateSync(ctx context.Context, creds []model.Credential) (SyncReport, error) {
	report := SyncReport{}

	data, err := s.doc.Read(ctx)
	if err != nil {
		return report, err
	}
	doc, err := engineconf.Parse(data)
	if err != nil {
		return report, fmt.Errorf("%w: %w", driven.ErrDocumentInvalid, err)
	}
	assignments, err := s.ports.ListAll(ctx)
	if err != nil {
		return report, err
	}
	portOf := make(map[string]int, len(assignments))
	for _, as := range assignments {
		portOf[as.UUID] = as.Port
	}

	managed := doc.Managed()
	expected := make(map[string]bool)
	for _, c := range creds {
		if !c.IsActive {
			continue
		}
		port, hasPort := portOf[c.UUID]
		if !hasPort {
			continue
		}
		tag := engineconf.Tag(c.UUID)
		expected[tag] = true

		in, ok := managed[tag]
		if !ok {
			report.MissingInConfig = append(report.MissingInConfig, c.UUID)
			continue
		}
		if in.Port != port {
			report.PortMismatches = append(report.PortMismatches, c.UUID)
		}
		r, err := in.Reality()
		if err != nil || r == nil || !slices.Equal(r.ShortIDs, []string{c.ShortID}) {
			report.ShortIDMismatches = append(report.ShortIDMismatches, c.UUID)
		}
	}

	for tag := range managed {
		if !expected[tag] {
			uuid, _ := engineconf.UUIDFromTag(tag)
			report.ExtraInConfig = append(report.ExtraInConfig, uuid)
		}
	}
	sort.Strings(report.ExtraInConfig)

	report.Synced = len(report.MissingInConfig)+len(report.ExtraInConfig)+
		len(report.ShortIDMismatches)+len(report.PortMismatches) == 0
	return report, nil
}

// Status reports the shape and validity of the document.
func (s *ConfigSynchronizer) Status(ctx context.Context) (ConfigStatus, error) {
	data, err := s.doc.Read(ctx)
	if err != nil {
		return ConfigStatus{}, err
	}
	doc, err := engineconf.Parse(data)
	if err != nil {
		return ConfigStatus{Issues: []string{err.Error()}}, nil
	}

	st := ConfigStatus{
		TotalInbounds:   len(doc.Inbounds),
		ManagedInbounds: len(doc.Managed()),
		ControlInbound:  doc.Find(s.policy.ControlTag) >= 0,
		Valid:           true,
	}
	if err := doc.Validate(s.policy.ControlTag); err != nil {
		st.Valid = false
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				st.Issues = append(st.Issues, e.Error())
			}
		} else {
			st.Issues = append(st.Issues, err.Error())
		}
	}
	return st, nil
}

// RepairKeyMaterial rewrites the private key of every managed inbound whose
// key has drifted from the shared key material and re-applies those inbounds.
// It returns the number of inbounds rewritten.
func (s *ConfigSynchronizer) RepairKeyMaterial(ctx context.Context) (int, error) {
	km, err := s.keys.Load(ctx)
	if err != nil {
		return 0, err
	}

	var repaired int
	err = s.locked(ctx, func(original []byte, doc *engineconf.Document) error {
		var steps []liveStep
		for i, in := range doc.Inbounds {
			if _, ok := engineconf.UUIDFromTag(in.Tag); !ok {
				continue
			}
			r, err := in.Reality()
			if err != nil || r == nil || r.PrivateKey == km.PrivateKey {
				continue
			}

			prev := in
			if err := in.SetRealityField("privateKey", km.PrivateKey); err != nil {
				return err
			}
			doc.Inbounds[i] = in
			fixed := in
			steps = append(steps, liveStep{remove: in.Tag, prev: &prev}, liveStep{add: &fixed})
			repaired++
		}
		if repaired == 0 {
			return nil
		}
		return s.commit(ctx, "repair_keys", original, doc, steps)
	})
	if err != nil {
		return 0, err
	}
	if repaired > 0 {
		slog.Info("reality key material repaired", "inbounds", repaired)
	}
	return repaired, nil
}

// locked runs fn under both the in-process and the cross-process lock with
// the freshly read document.
func (s *ConfigSynchronizer) locked(ctx context.Context, fn func(original []byte, doc *engineconf.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.doc.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	original, err := s.doc.Read(ctx)
	if err != nil {
		return err
	}
	doc, err := engineconf.Parse(original)
	if err != nil {
		return fmt.Errorf("%w: %w", driven.ErrDocumentInvalid, err)
	}
	return fn(original, doc)
}

// commit validates and writes doc, then runs the live steps in order. If a
// step fails the original bytes are restored and the steps already applied
// are undone in reverse.
func (s *ConfigSynchronizer) commit(ctx context.Context, op string, original []byte, doc *engineconf.Document, steps []liveStep) error {
	data, err := s.prepare(doc)
	if err != nil {
		return err
	}

	backup, err := s.doc.Backup(ctx, original)
	if err != nil {
		return fmt.Errorf("back up config document: %w", err)
	}
	slog.Debug("config document backed up", "op", op, "path", backup)

	if err := s.doc.Write(ctx, data); err != nil {
		return err
	}

	for i, step := range steps {
		if err := s.apply(ctx, step); err != nil {
			s.recorder.LiveApplyFailed(op)
			slog.Error("live apply failed, rolling back", "op", op, "error", err)
			s.rollback(ctx, op, original, steps[:i])
			return err
		}
	}
	return nil
}

// commitRoutingOnly writes doc only if rebuilding the routing table changed
// it; no engine commands are issued.
func (s *ConfigSynchronizer) commitRoutingOnly(ctx context.Context, original []byte, doc *engineconf.Document) error {
	data, err := s.prepare(doc)
	if err != nil {
		return err
	}
	reparsed, err := engineconf.Parse(original)
	if err != nil {
		return err
	}
	canonical, err := reparsed.Marshal()
	if err != nil {
		return err
	}
	if bytes.Equal(canonical, data) {
		return nil
	}

	if _, err := s.doc.Backup(ctx, original); err != nil {
		return fmt.Errorf("back up config document: %w", err)
	}
	return s.doc.Write(ctx, data)
}

func (s *ConfigSynchronizer) prepare(doc *engineconf.Document) ([]byte, error) {
	if err := doc.RebuildRouting(s.policy); err != nil {
		return nil, fmt.Errorf("%w: %w", driven.ErrDocumentInvalid, err)
	}
	if err := doc.Validate(s.policy.ControlTag); err != nil {
		return nil, fmt.Errorf("%w: %w", driven.ErrDocumentInvalid, err)
	}
	return doc.Marshal()
}

func (s *ConfigSynchronizer) apply(ctx context.Context, step liveStep) error {
	if step.add != nil {
		return s.engine.AddInbound(ctx, *step.add)
	}
	return s.engine.RemoveInbound(ctx, step.remove)
}

func (s *ConfigSynchronizer) rollback(ctx context.Context, op string, original []byte, applied []liveStep) {
	// Compensation must run even if the caller's context is what failed.
	ctx = context.WithoutCancel(ctx)

	if err := s.doc.Write(ctx, original); err != nil {
		slog.Error("restoring config document failed", "op", op, "error", err)
	} else {
		s.recorder.DocumentRolledBack(op)
	}

	var merr *multierror.Error
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		switch {
		case step.add != nil:
			merr = multierror.Append(merr, s.engine.RemoveInbound(ctx, step.add.Tag))
		case step.prev != nil:
			merr = multierror.Append(merr, s.engine.AddInbound(ctx, *step.prev))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		slog.Error("engine compensation incomplete", "op", op, "error", err)
	}
}
