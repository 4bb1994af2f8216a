// Package severance records breaks in the follow graph between the local
// instance and remote domains. A record is created when a domain stays
// OFFLINE past the grace window or is explicitly blocked or defederated.
// Repeated triggers for an open record of the same domain pair update it in
// place; affected counts only grow and the reason only escalates.
package severance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kizuna/internal/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GraphCounter counts follow edges between the local instance and a remote
// domain.
type GraphCounter interface {
	CountEdges(ctx context.Context, local, remote string) (followers, following int, err error)
}

// Journal persists severance records. Optional.
type Journal interface {
	SaveSeverance(ctx context.Context, s model.SeveredRelationship) error
}

type pair struct{ local, remote string }

// Detector is the SeveranceDetector.
type Detector struct {
	local       string
	graceChecks int
	graph       GraphCounter
	journal     Journal
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	records map[string]*model.SeveredRelationship
	open    map[pair]string

	created atomic.Int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithJournal persists every change.
func WithJournal(j Journal) Option { return func(d *Detector) { d.journal = j } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// New creates a Detector for the local instance. graceChecks is the number
// of consecutive failed checks an OFFLINE domain is tolerated.
func New(local string, graceChecks int, graph GraphCounter, logger *slog.Logger, opts ...Option) *Detector {
	d := &Detector{
		local:       local,
		graceChecks: graceChecks,
		graph:       graph,
		logger:      logger,
		now:         time.Now,
		records:     make(map[string]*model.SeveredRelationship),
		open:        make(map[pair]string),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Restore seeds records loaded from storage.
func (d *Detector) Restore(records []model.SeveredRelationship) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		rec := r.Clone()
		d.records[rec.ID] = &rec
		if rec.Open() {
			d.open[pair{rec.LocalInstance, rec.RemoteInstance}] = rec.ID
		}
	}
}

// OnHealth triggers an INSTANCE_DOWN severance once an OFFLINE domain has
// failed at least graceChecks consecutive checks. It returns the record and
// true when one was created or updated.
func (d *Detector) OnHealth(ctx context.Context, report model.InstanceHealthReport) (model.SeveredRelationship, bool, error) {
	if report.Status != model.HealthOffline || report.Metrics.ConsecutiveFailures < d.graceChecks {
		return model.SeveredRelationship{}, false, nil
	}
	details := fmt.Sprintf("unreachable for %d consecutive checks", report.Metrics.ConsecutiveFailures)
	s, err := d.Trigger(ctx, report.Domain, model.ReasonInstanceDown, &details)
	if err != nil {
		return model.SeveredRelationship{}, false, err
	}
	return s, true, nil
}

// Trigger creates a severance for the remote domain, or updates the open
// record for the pair. Edge counts are snapshotted from the graph. A trigger
// with a stronger reason than the open record's escalates it; once a record
// is non-reversible it stays that way.
func (d *Detector) Trigger(ctx context.Context, remote string, reason model.SeveranceReason, details *string) (model.SeveredRelationship, error) {
	r, err := model.NormalizeDomain(remote)
	if err != nil {
		return model.SeveredRelationship{}, err
	}
	if !reason.IsValid() {
		return model.SeveredRelationship{}, fmt.Errorf("severance: trigger %s: %w: reason %q", r, model.ErrInvalidInput, reason)
	}

	// Counted outside the lock: the graph is an external service.
	followers, following, err := d.graph.CountEdges(ctx, d.local, r)
	if err != nil {
		return model.SeveredRelationship{}, fmt.Errorf("severance: count edges %s: %w", r, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := pair{d.local, r}
	if id, ok := d.open[key]; ok {
		rec := d.records[id]
		next := rec.Clone()
		changed := false
		if followers > next.AffectedFollowers {
			next.AffectedFollowers = followers
			changed = true
		}
		if following > next.AffectedFollowing {
			next.AffectedFollowing = following
			changed = true
		}
		if reason.Rank() > next.Reason.Rank() {
			d.logger.Info("severance: escalated", "id", next.ID, "remote", r, "from", next.Reason, "to", reason)
			next.Reason = reason
			next.Reversible = next.Reversible && reason.Reversible()
			if details != nil {
				v := *details
				next.Details = &v
			}
			changed = true
		}
		if changed {
			if err := d.persist(ctx, next); err != nil {
				return model.SeveredRelationship{}, err
			}
			*rec = next
		}
		return rec.Clone(), nil
	}

	rec := model.SeveredRelationship{
		ID:                uuid.NewString(),
		LocalInstance:     d.local,
		RemoteInstance:    r,
		Reason:            reason,
		AffectedFollowers: followers,
		AffectedFollowing: following,
		Reversible:        reason.Reversible(),
		Timestamp:         d.now().UTC(),
		Details:           details,
	}
	if err := d.persist(ctx, rec); err != nil {
		return model.SeveredRelationship{}, err
	}
	d.records[rec.ID] = &rec
	d.open[key] = rec.ID
	d.created.Add(1)
	d.logger.Info("severance: recorded", "id", rec.ID, "remote", r, "reason", reason,
		"followers", followers, "following", following, "reversible", rec.Reversible)
	return rec.Clone(), nil
}

// Get returns a record by id.
func (d *Detector) Get(id string) (model.SeveredRelationship, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return model.SeveredRelationship{}, fmt.Errorf("severance: %s: %w", id, model.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Acknowledge marks a record acknowledged. Acknowledging twice returns the
// record unchanged.
func (d *Detector) Acknowledge(ctx context.Context, id string) (model.SeveredRelationship, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return model.SeveredRelationship{}, fmt.Errorf("severance: acknowledge %s: %w", id, model.ErrNotFound)
	}
	if rec.Acknowledged {
		return rec.Clone(), nil
	}
	next := rec.Clone()
	now := d.now().UTC()
	next.Acknowledged = true
	next.AcknowledgedAt = &now
	if err := d.persist(ctx, next); err != nil {
		return model.SeveredRelationship{}, err
	}
	*rec = next
	d.closeLocked(rec)
	return rec.Clone(), nil
}

// RecordOutcome stores the result of a reconnection attempt. A fully
// successful attempt closes the record.
func (d *Detector) RecordOutcome(ctx context.Context, id string, out model.ReconnectionOutcome) (model.SeveredRelationship, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return model.SeveredRelationship{}, fmt.Errorf("severance: outcome %s: %w", id, model.ErrNotFound)
	}
	next := rec.Clone()
	o := out
	next.LastReconnection = &o
	if err := d.persist(ctx, next); err != nil {
		return model.SeveredRelationship{}, err
	}
	*rec = next
	if !rec.Open() {
		d.closeLocked(rec)
	}
	return rec.Clone(), nil
}

func (d *Detector) closeLocked(rec *model.SeveredRelationship) {
	key := pair{rec.LocalInstance, rec.RemoteInstance}
	if d.open[key] == rec.ID {
		delete(d.open, key)
	}
}

func (d *Detector) persist(ctx context.Context, rec model.SeveredRelationship) error {
	if d.journal == nil {
		return nil
	}
	if err := d.journal.SaveSeverance(ctx, rec); err != nil {
		return fmt.Errorf("severance: save %s: %w", rec.ID, err)
	}
	return nil
}

// ListFilter narrows List.
type ListFilter struct {
	// Instance matches the remote domain.
	Instance *string
	// OpenOnly hides acknowledged and reconnected records.
	OpenOnly bool
}

// List returns records newest first with cursor pagination.
func (d *Detector) List(f ListFilter, page model.Page) ([]model.SeveredRelationship, model.PageInfo, error) {
	var instance string
	if f.Instance != nil {
		n, err := model.NormalizeDomain(*f.Instance)
		if err != nil {
			return nil, model.PageInfo{}, err
		}
		instance = n
	}
	var after *model.Cursor
	if page.After != nil && *page.After != "" {
		c, err := model.DecodeCursor(*page.After)
		if err != nil {
			return nil, model.PageInfo{}, err
		}
		after = &c
	}
	first := page.First
	if first <= 0 {
		first = defaultPageSize
	}
	if first > maxPageSize {
		first = maxPageSize
	}

	d.mu.Lock()
	all := make([]model.SeveredRelationship, 0, len(d.records))
	for _, r := range d.records {
		if instance != "" && r.RemoteInstance != instance {
			continue
		}
		if f.OpenOnly && !r.Open() {
			continue
		}
		all = append(all, r.Clone())
	}
	d.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		ci := model.Cursor{At: all[i].Timestamp, ID: all[i].ID}
		cj := model.Cursor{At: all[j].Timestamp, ID: all[j].ID}
		return cj.SortsAfter(ci)
	})

	start := 0
	if after != nil {
		start = sort.Search(len(all), func(i int) bool {
			return model.Cursor{At: all[i].Timestamp, ID: all[i].ID}.SortsAfter(*after)
		})
	}
	end := min(start+first, len(all))
	items := all[start:end]

	info := model.PageInfo{HasNextPage: end < len(all)}
	if len(items) > 0 {
		last := items[len(items)-1]
		c := model.EncodeCursor(model.Cursor{At: last.Timestamp, ID: last.ID})
		info.EndCursor = &c
	}
	return items, info, nil
}

// Created returns the number of records created.
func (d *Detector) Created() int64 { return d.created.Load() }
