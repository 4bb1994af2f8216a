// Package costmeter accumulates per-operation federation costs into hourly,
// daily and monthly buckets and emits a CostUpdate for every recorded entry.
//
// Counters are fixed-point micro-dollars updated with atomic adds, so
// recorders never take an exclusive lock once a bucket exists. Reads build
// an immutable snapshot and never block writers.
package costmeter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
)

const microsPerUSD = 1e6

// recentCapacity bounds the in-memory ring of recent cost items.
const recentCapacity = 1024

// Retention of closed buckets before Prune discards them.
var retention = map[model.CostPeriod]time.Duration{
	model.PeriodHour:  48 * time.Hour,
	model.PeriodDay:   62 * 24 * time.Hour,
	model.PeriodMonth: 400 * 24 * time.Hour,
}

var periods = []model.CostPeriod{model.PeriodHour, model.PeriodDay, model.PeriodMonth}

// Journal persists recorded cost items. Optional.
type Journal interface {
	AppendCostItem(ctx context.Context, item model.CostItem) error
}

// Publisher receives cost update events.
type Publisher interface {
	Publish(e eventbus.Event)
}

type bucketKey struct {
	domain string
	period model.CostPeriod
	bucket string
	op     string
}

type counter struct {
	micros atomic.Int64
	count  atomic.Int64
	start  time.Time
}

// Meter is the CostMeter.
type Meter struct {
	journal Journal
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	buckets map[bucketKey]*counter

	recentMu sync.Mutex
	recent   []model.CostItem
	next     int

	recorded atomic.Int64
	rejected atomic.Int64
}

// Option configures a Meter.
type Option func(*Meter)

// WithJournal persists every cost item before it is counted.
func WithJournal(j Journal) Option { return func(m *Meter) { m.journal = j } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Meter) { m.now = now } }

// New creates a Meter publishing cost updates to pub (may be nil).
func New(pub Publisher, logger *slog.Logger, opts ...Option) *Meter {
	m := &Meter{
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[bucketKey]*counter),
		recent:  make([]model.CostItem, 0, recentCapacity),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Record adds one cost entry. cost is the total for the entry and count the
// number of operations it represents (at least 1). A negative or non-finite
// cost fails with model.ErrInvalidCost and changes nothing.
func (m *Meter) Record(ctx context.Context, domain, operation string, cost float64, count int64) (model.CostUpdate, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.CostUpdate{}, err
	}
	if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		m.rejected.Add(1)
		m.logger.Warn("costmeter: rejected cost", "domain", d, "operation", operation, "cost", cost)
		return model.CostUpdate{}, fmt.Errorf("costmeter: record %s: %w: cost %v", d, model.ErrInvalidCost, cost)
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		return model.CostUpdate{}, fmt.Errorf("costmeter: record %s: %w: operation is required", d, model.ErrInvalidInput)
	}
	if count <= 0 {
		count = 1
	}

	now := m.now().UTC()
	item := model.CostItem{
		ID:         uuid.NewString(),
		Domain:     d,
		Operation:  op,
		Cost:       cost,
		Count:      count,
		RecordedAt: now,
	}
	if m.journal != nil {
		if err := m.journal.AppendCostItem(ctx, item); err != nil {
			return model.CostUpdate{}, fmt.Errorf("costmeter: journal %s: %w", d, err)
		}
	}
	m.apply(item)
	m.remember(item)
	m.recorded.Add(1)

	update := m.update(item, now)
	if m.pub != nil {
		m.pub.Publish(eventbus.Event{Topic: eventbus.TopicCostUpdate, Domain: d, At: now, Payload: update})
	}
	return update, nil
}

// Load replays persisted items into the counters without journaling or
// publishing. Used at startup.
func (m *Meter) Load(items []model.CostItem) {
	for _, it := range items {
		if it.Cost < 0 {
			continue
		}
		if it.Count <= 0 {
			it.Count = 1
		}
		m.apply(it)
		m.remember(it)
	}
}

func (m *Meter) apply(item model.CostItem) {
	micros := int64(math.Round(item.Cost * microsPerUSD))
	for _, p := range periods {
		c := m.counterFor(bucketKey{
			domain: item.Domain,
			period: p,
			bucket: p.BucketKey(item.RecordedAt),
			op:     item.Operation,
		}, item.RecordedAt)
		c.micros.Add(micros)
		c.count.Add(item.Count)
	}
}

func (m *Meter) counterFor(k bucketKey, at time.Time) *counter {
	m.mu.RLock()
	c, ok := m.buckets[k]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.buckets[k]; ok {
		return c
	}
	c = &counter{start: at}
	m.buckets[k] = c
	return c
}

func (m *Meter) remember(item model.CostItem) {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	if len(m.recent) < recentCapacity {
		m.recent = append(m.recent, item)
		return
	}
	m.recent[m.next] = item
	m.next = (m.next + 1) % recentCapacity
}

func (m *Meter) update(item model.CostItem, now time.Time) model.CostUpdate {
	daily := m.total(item.Domain, model.PeriodDay, model.PeriodDay.BucketKey(now))
	mtd := m.total(item.Domain, model.PeriodMonth, model.PeriodMonth.BucketKey(now))
	return model.CostUpdate{
		Domain:            item.Domain,
		Operation:         item.Operation,
		OperationCost:     item.Cost,
		DailyTotal:        daily,
		MonthToDate:       mtd,
		MonthlyProjection: MonthlyProjection(mtd, now),
		At:                now,
	}
}

// MonthlyProjection extrapolates month-to-date spend linearly over the
// whole UTC calendar month: monthToDate * daysInMonth / dayOfMonth. The
// current day counts as elapsed, so early-morning projections are low.
// Every projection, alert and optimisation saving uses this basis.
func MonthlyProjection(monthToDate float64, now time.Time) float64 {
	now = now.UTC()
	elapsed := now.Day()
	if elapsed <= 0 {
		return monthToDate
	}
	return monthToDate * float64(model.DaysInMonth(now)) / float64(elapsed)
}

// total sums one domain's bucket across operations.
func (m *Meter) total(domain string, period model.CostPeriod, bucket string) float64 {
	var micros int64
	m.mu.RLock()
	for k, c := range m.buckets {
		if k.domain == domain && k.period == period && k.bucket == bucket {
			micros += c.micros.Load()
		}
	}
	m.mu.RUnlock()
	return float64(micros) / microsPerUSD
}

// Breakdown returns per-operation costs for the current bucket of period,
// for one domain or (domain nil) across all domains. TotalCost is the sum of
// the returned lines.
func (m *Meter) Breakdown(domain *string, period model.CostPeriod) (model.CostBreakdown, error) {
	if !period.IsValid() {
		return model.CostBreakdown{}, fmt.Errorf("costmeter: breakdown: %w: period %q", model.ErrInvalidInput, period)
	}
	var filter string
	if domain != nil {
		d, err := model.NormalizeDomain(*domain)
		if err != nil {
			return model.CostBreakdown{}, err
		}
		filter = d
	}
	now := m.now().UTC()
	bucket := period.BucketKey(now)

	type agg struct{ micros, count int64 }
	byOp := make(map[string]*agg)
	m.mu.RLock()
	for k, c := range m.buckets {
		if k.period != period || k.bucket != bucket {
			continue
		}
		if filter != "" && k.domain != filter {
			continue
		}
		a := byOp[k.op]
		if a == nil {
			a = &agg{}
			byOp[k.op] = a
		}
		a.micros += c.micros.Load()
		a.count += c.count.Load()
	}
	m.mu.RUnlock()

	lines := make([]model.CostLine, 0, len(byOp))
	for op, a := range byOp {
		lines = append(lines, model.CostLine{Operation: op, Cost: float64(a.micros) / microsPerUSD, Count: a.count})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Cost != lines[j].Cost {
			return lines[i].Cost > lines[j].Cost
		}
		return lines[i].Operation < lines[j].Operation
	})
	var total float64
	for _, l := range lines {
		total += l.Cost
	}

	out := model.CostBreakdown{
		Period:      period,
		Bucket:      bucket,
		TotalCost:   total,
		Breakdown:   lines,
		GeneratedAt: now,
	}
	if filter != "" {
		out.Domain = &filter
	}
	return out, nil
}

// InstanceCost returns a domain's month-to-date and today totals.
func (m *Meter) InstanceCost(domain string) model.InstanceCost {
	now := m.now().UTC()
	month := model.PeriodMonth.BucketKey(now)
	out := model.InstanceCost{
		Domain:   domain,
		TodayUSD: m.total(domain, model.PeriodDay, model.PeriodDay.BucketKey(now)),
	}
	var micros int64
	m.mu.RLock()
	for k, c := range m.buckets {
		if k.domain == domain && k.period == model.PeriodMonth && k.bucket == month {
			micros += c.micros.Load()
			out.Operations += c.count.Load()
		}
	}
	m.mu.RUnlock()
	out.MonthToDateUSD = float64(micros) / microsPerUSD
	return out
}

// Domains returns every domain with cost in the current month, sorted.
func (m *Meter) Domains() []string {
	month := model.PeriodMonth.BucketKey(m.now())
	seen := make(map[string]struct{})
	m.mu.RLock()
	for k := range m.buckets {
		if k.period == model.PeriodMonth && k.bucket == month {
			seen[k.domain] = struct{}{}
		}
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Projection extrapolates a domain's spend in the current bucket of period
// to the end of that bucket.
func (m *Meter) Projection(domain string, period model.CostPeriod) model.CostProjection {
	now := m.now().UTC()
	bucket := period.BucketKey(now)
	current := m.total(domain, period, bucket)
	elapsed, length := progress(period, now)
	return model.CostProjection{
		Domain:       domain,
		Period:       period,
		Bucket:       bucket,
		CurrentUSD:   current,
		ProjectedUSD: current * length / elapsed,
		Elapsed:      elapsed,
		Length:       length,
	}
}

// Projections returns a projection per domain, highest projected spend first.
func (m *Meter) Projections(period model.CostPeriod) ([]model.CostProjection, error) {
	if !period.IsValid() {
		return nil, fmt.Errorf("costmeter: projections: %w: period %q", model.ErrInvalidInput, period)
	}
	domains := m.Domains()
	out := make([]model.CostProjection, 0, len(domains))
	for _, d := range domains {
		out = append(out, m.Projection(d, period))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ProjectedUSD > out[j].ProjectedUSD })
	return out, nil
}

// progress returns the elapsed and total length of the bucket containing
// now, in the period's natural unit (minutes, hours or days). Elapsed counts
// the unit in progress and is always at least 1.
func progress(period model.CostPeriod, now time.Time) (elapsed, length float64) {
	switch period {
	case model.PeriodHour:
		return float64(now.Minute() + 1), 60
	case model.PeriodDay:
		return float64(now.Hour() + 1), 24
	case model.PeriodMonth:
		return float64(now.Day()), float64(model.DaysInMonth(now))
	default:
		return float64(now.Day()), float64(model.DaysInMonth(now))
	}
}

// Recent returns up to limit recently recorded items for domain (all
// domains when empty), newest first.
func (m *Meter) Recent(domain string, limit int) []model.CostItem {
	m.recentMu.Lock()
	items := make([]model.CostItem, len(m.recent))
	n := copy(items, m.recent[m.next:])
	copy(items[n:], m.recent[:m.next])
	m.recentMu.Unlock()

	out := make([]model.CostItem, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		if domain == "" || items[i].Domain == domain {
			out = append(out, items[i])
		}
	}
	return out
}

// Prune discards buckets older than their retention window and reports how
// many were removed.
func (m *Meter) Prune() int {
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, c := range m.buckets {
		if k.bucket == k.period.BucketKey(now) {
			continue
		}
		if now.Sub(c.start) > retention[k.period] {
			delete(m.buckets, k)
			removed++
		}
	}
	return removed
}

// Stats returns the number of recorded and rejected entries.
func (m *Meter) Stats() (recorded, rejected int64) {
	return m.recorded.Load(), m.rejected.Load()
}
