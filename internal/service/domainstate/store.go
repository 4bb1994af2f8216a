// Package domainstate owns the authoritative FederationManagementStatus of
// every remote domain. All mutation goes through Store, which serializes
// changes per domain with a per-entry mutex and hands out copies to readers.
package domainstate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
)

// maxHistory bounds the in-memory transition history per domain.
const maxHistory = 256

// Journal persists statuses and transitions. Writes happen under the domain
// lock before the in-memory state changes, so a failed write leaves the
// domain untouched.
type Journal interface {
	SaveStatus(ctx context.Context, status model.FederationManagementStatus) error
	AppendTransition(ctx context.Context, t model.StateTransition) error
}

// Publisher receives status transition events.
type Publisher interface {
	Publish(e eventbus.Event)
}

type entry struct {
	mu       sync.Mutex
	status   model.FederationManagementStatus
	history  []model.StateTransition
	admitted atomic.Int64
	rejected atomic.Int64
}

// Store is the DomainStateStore.
type Store struct {
	journal Journal
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	transitions atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithJournal enables write-through persistence.
func WithJournal(j Journal) Option { return func(s *Store) { s.journal = j } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates a Store.
func New(pub Publisher, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Restore seeds the store from persisted state. It must run before the
// store is shared.
func (s *Store) Restore(statuses []model.FederationManagementStatus, history []model.StateTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range statuses {
		s.entries[st.Domain] = &entry{status: st.Clone()}
	}
	for _, t := range history {
		if e, ok := s.entries[t.Domain]; ok {
			e.history = appendHistory(e.history, t)
		}
	}
}

func (s *Store) lookup(domain string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[domain]
	return e, ok
}

// touch returns the entry for domain, creating it ACTIVE on first contact.
func (s *Store) touch(domain string) *entry {
	if e, ok := s.lookup(domain); ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[domain]; ok {
		return e
	}
	now := s.now().UTC()
	e := &entry{status: model.FederationManagementStatus{
		Domain:    domain,
		State:     model.StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.entries[domain] = e
	return e
}

// Touch registers first contact with domain and returns its status.
func (s *Store) Touch(ctx context.Context, domain string) (model.FederationManagementStatus, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	e := s.touch(d)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.expireLocked(ctx, e); err != nil {
		return model.FederationManagementStatus{}, err
	}
	return s.snapshot(e), nil
}

// Get returns the status for a known domain.
func (s *Store) Get(ctx context.Context, domain string) (model.FederationManagementStatus, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	e, ok := s.lookup(d)
	if !ok {
		return model.FederationManagementStatus{}, fmt.Errorf("domainstate: %s: %w", d, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.expireLocked(ctx, e); err != nil {
		return model.FederationManagementStatus{}, err
	}
	return s.snapshot(e), nil
}

// List returns every known status sorted by domain.
func (s *Store) List(ctx context.Context) []model.FederationManagementStatus {
	out := make([]model.FederationManagementStatus, 0, s.Len())
	for _, d := range s.Domains() {
		if st, err := s.Get(ctx, d); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Domains returns every known domain, sorted.
func (s *Store) Domains() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for d := range s.entries {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of known domains.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// History returns up to limit transitions for domain, newest first.
func (s *Store) History(domain string, limit int) ([]model.StateTransition, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	e, ok := s.lookup(d)
	if !ok {
		return nil, fmt.Errorf("domainstate: %s: %w", d, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.StateTransition, 0, min(limit, len(e.history)))
	for i := len(e.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.history[i])
	}
	return out, nil
}

// rule describes one kind of state change.
type rule struct {
	name string
	to   model.FederationState
	// from lists the states the change applies to; noop lists states where
	// it is already satisfied and the status is returned unchanged.
	from []model.FederationState
	noop []model.FederationState
}

var (
	rulePause = rule{"pause", model.StatePaused,
		[]model.FederationState{model.StateActive, model.StateLimited},
		[]model.FederationState{model.StatePaused}}
	ruleResume = rule{"resume", model.StateActive,
		[]model.FederationState{model.StatePaused, model.StateLimited},
		[]model.FederationState{model.StateActive}}
	ruleLimit = rule{"limit", model.StateLimited,
		[]model.FederationState{model.StateActive},
		[]model.FederationState{model.StateLimited}}
	ruleBlock = rule{"block", model.StateBlocked,
		[]model.FederationState{model.StateActive, model.StateLimited, model.StatePaused, model.StateError},
		[]model.FederationState{model.StateBlocked}}
	ruleUnblock = rule{"unblock", model.StateActive,
		[]model.FederationState{model.StateBlocked},
		[]model.FederationState{model.StateActive}}
	ruleFail = rule{"error", model.StateError,
		[]model.FederationState{model.StateActive, model.StateLimited},
		[]model.FederationState{model.StateError}}
	ruleRecover = rule{"recover", model.StateActive,
		[]model.FederationState{model.StateError},
		[]model.FederationState{model.StateActive}}
)

func contains(states []model.FederationState, s model.FederationState) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// Change requests a state change. ExpectedVersion, when non-zero, makes
// the change conditional on the status version seen by the caller.
type Change struct {
	Reason          string
	Trigger         model.TransitionTrigger
	Until           *time.Time
	ExpectedVersion int64
}

// Pause moves ACTIVE or LIMITED to PAUSED. Pausing a PAUSED domain returns
// the unchanged status.
func (s *Store) Pause(ctx context.Context, domain string, c Change) (model.FederationManagementStatus, error) {
	if c.Until != nil && !c.Until.After(s.now()) {
		return model.FederationManagementStatus{}, fmt.Errorf("domainstate: pause %s: %w: until must be in the future", domain, model.ErrInvalidInput)
	}
	return s.apply(ctx, domain, rulePause, c)
}

// Resume moves PAUSED or LIMITED to ACTIVE. Resuming an ACTIVE domain is a no-op.
func (s *Store) Resume(ctx context.Context, domain string, c Change) (model.FederationManagementStatus, error) {
	return s.apply(ctx, domain, ruleResume, c)
}

// Limit moves ACTIVE to LIMITED.
func (s *Store) Limit(ctx context.Context, domain string, c Change) (model.FederationManagementStatus, error) {
	return s.apply(ctx, domain, ruleLimit, c)
}

// Block moves any state to BLOCKED. BLOCKED is left only by Unblock.
func (s *Store) Block(ctx context.Context, domain string, c Change) (model.FederationManagementStatus, error) {
	return s.apply(ctx, domain, ruleBlock, c)
}

// Unblock moves BLOCKED to ACTIVE.
func (s *Store) Unblock(ctx context.Context, domain string, c Change) (model.FederationManagementStatus, error) {
	return s.apply(ctx, domain, ruleUnblock, c)
}

// MarkError moves ACTIVE or LIMITED to ERROR after the domain went OFFLINE.
func (s *Store) MarkError(ctx context.Context, domain string, c Change) (model.FederationManagementStatus, error) {
	return s.apply(ctx, domain, ruleFail, c)
}

// Recover moves ERROR back to ACTIVE once the domain is healthy again.
func (s *Store) Recover(ctx context.Context, domain string, c Change) (model.FederationManagementStatus, error) {
	return s.apply(ctx, domain, ruleRecover, c)
}

func (s *Store) apply(ctx context.Context, domain string, r rule, c Change) (model.FederationManagementStatus, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	if c.Trigger == "" {
		c.Trigger = model.TriggerOperator
	}
	e := s.touch(d)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.expireLocked(ctx, e); err != nil {
		return model.FederationManagementStatus{}, err
	}
	if c.ExpectedVersion != 0 && c.ExpectedVersion != e.status.Version {
		return s.snapshot(e), fmt.Errorf("domainstate: %s %s: %w: version %d, expected %d",
			r.name, d, model.ErrConflict, e.status.Version, c.ExpectedVersion)
	}

	cur := e.status.State
	switch {
	case contains(r.noop, cur):
		return s.snapshot(e), nil
	case contains(r.from, cur):
	default:
		return s.snapshot(e), fmt.Errorf("domainstate: %s %s: %w: from %s", r.name, d, model.ErrInvalidTransition, cur)
	}

	next := e.status.Clone()
	next.State = r.to
	switch r.to {
	case model.StatePaused:
		next.PausedUntil = cloneTime(c.Until)
	case model.StateActive, model.StateLimited, model.StateBlocked, model.StateError:
		next.PausedUntil = nil
	}
	if c.Reason != "" || r.to == model.StateActive {
		next.Reason = optString(c.Reason)
	}
	if err := s.commitLocked(ctx, e, next, cur, c.Reason, c.Trigger); err != nil {
		return model.FederationManagementStatus{}, err
	}
	return s.snapshot(e), nil
}

// SetLimit replaces the domain's federation limit. It does not change the
// state; enforcement happens at delivery admission.
func (s *Store) SetLimit(ctx context.Context, domain string, limit model.FederationLimit) (model.FederationManagementStatus, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	if err := limit.Validate(); err != nil {
		return model.FederationManagementStatus{}, fmt.Errorf("domainstate: set limit %s: %w", d, err)
	}
	return s.Update(ctx, d, func(st *model.FederationManagementStatus) {
		now := s.now().UTC()
		l := limit
		if st.Limits != nil {
			l.CreatedAt = st.Limits.CreatedAt
		} else {
			l.CreatedAt = now
		}
		l.UpdatedAt = now
		if l.MonthlyBudgetUSD != nil {
			b := *l.MonthlyBudgetUSD
			l.MonthlyBudgetUSD = &b
		}
		st.Limits = &l
	})
}

// Update applies fn to a copy of the status and persists it without a state
// change. fn must not modify State.
func (s *Store) Update(ctx context.Context, domain string, fn func(*model.FederationManagementStatus)) (model.FederationManagementStatus, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	e := s.touch(d)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.expireLocked(ctx, e); err != nil {
		return model.FederationManagementStatus{}, err
	}
	next := e.status.Clone()
	fn(&next)
	next.State = e.status.State
	next.Version = e.status.Version + 1
	next.UpdatedAt = s.now().UTC()
	if s.journal != nil {
		if err := s.journal.SaveStatus(ctx, next); err != nil {
			return model.FederationManagementStatus{}, fmt.Errorf("domainstate: save %s: %w", d, err)
		}
	}
	e.status = next
	return s.snapshot(e), nil
}

// RecordDelivery counts an admission decision for domain.
func (s *Store) RecordDelivery(domain string, admitted bool) {
	e, ok := s.lookup(domain)
	if !ok {
		return
	}
	if admitted {
		e.admitted.Add(1)
	} else {
		e.rejected.Add(1)
	}
}

// SweepExpired resumes every PAUSED domain whose pausedUntil has elapsed and
// returns the resumed domains.
func (s *Store) SweepExpired(ctx context.Context) []string {
	var resumed []string
	for _, d := range s.Domains() {
		e, ok := s.lookup(d)
		if !ok {
			continue
		}
		e.mu.Lock()
		before := e.status.State
		if err := s.expireLocked(ctx, e); err != nil {
			s.logger.Warn("domainstate: expiry failed", "domain", d, "error", err)
		} else if before == model.StatePaused && e.status.State == model.StateActive {
			resumed = append(resumed, d)
		}
		e.mu.Unlock()
	}
	return resumed
}

// expireLocked resumes a PAUSED entry whose pausedUntil has elapsed.
func (s *Store) expireLocked(ctx context.Context, e *entry) error {
	st := e.status
	if st.State != model.StatePaused || st.PausedUntil == nil || st.PausedUntil.After(s.now()) {
		return nil
	}
	next := st.Clone()
	next.State = model.StateActive
	next.PausedUntil = nil
	next.Reason = nil
	return s.commitLocked(ctx, e, next, st.State, "pause expired", model.TriggerExpiry)
}

func (s *Store) commitLocked(ctx context.Context, e *entry, next model.FederationManagementStatus,
	from model.FederationState, reason string, trigger model.TransitionTrigger) error {
	now := s.now().UTC()
	next.Version = e.status.Version + 1
	next.UpdatedAt = now
	t := model.StateTransition{
		ID:      uuid.NewString(),
		Domain:  next.Domain,
		From:    from,
		To:      next.State,
		Reason:  reason,
		Trigger: trigger,
		At:      now,
	}
	if s.journal != nil {
		if err := s.journal.SaveStatus(ctx, next); err != nil {
			return fmt.Errorf("domainstate: save %s: %w", next.Domain, err)
		}
		if err := s.journal.AppendTransition(ctx, t); err != nil {
			s.logger.Error("domainstate: append transition", "domain", next.Domain, "error", err)
		}
	}
	e.status = next
	e.history = appendHistory(e.history, t)
	s.transitions.Add(1)
	s.logger.Info("domainstate: transition",
		"domain", t.Domain, "from", t.From, "to", t.To, "trigger", t.Trigger, "reason", t.Reason)
	if s.pub != nil {
		s.pub.Publish(eventbus.Event{Topic: eventbus.TopicStatus, Domain: t.Domain, At: now, Payload: t})
	}
	return nil
}

func (s *Store) snapshot(e *entry) model.FederationManagementStatus {
	out := e.status.Clone()
	out.Metrics.DeliveriesAdmitted += e.admitted.Load()
	out.Metrics.DeliveriesRejected += e.rejected.Load()
	return out
}

// Transitions returns the number of committed transitions.
func (s *Store) Transitions() int64 { return s.transitions.Load() }

func appendHistory(h []model.StateTransition, t model.StateTransition) []model.StateTransition {
	h = append(h, t)
	if len(h) > maxHistory {
		h = append(h[:0:0], h[len(h)-maxHistory:]...)
	}
	return h
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
