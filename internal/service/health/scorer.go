// Package health classifies remote instances from raw health samples.
//
// Classification, from worst to best:
//
//	OFFLINE   at least OfflineAfter (M) consecutive failed contacts
//	CRITICAL  error rate above CriticalErrorRate, or more than CriticalAfter (N) failures
//	WARNING   any single soft threshold breached, or 1..N failures
//	HEALTHY   otherwise
package health

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/kizuna/internal/config"
	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
)

// Publisher receives health update events.
type Publisher interface {
	Publish(e eventbus.Event)
}

type entry struct {
	mu       sync.Mutex
	report   model.InstanceHealthReport
	failures int
	seen     bool
}

// Scorer is the HealthScorer. It keeps the latest report per domain and the
// previous status for trend comparison only.
type Scorer struct {
	policy config.HealthPolicy
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a Scorer. The policy must already be validated.
func New(policy config.HealthPolicy, pub Publisher, logger *slog.Logger) *Scorer {
	return &Scorer{
		policy:  policy,
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// SetClock overrides time.Now for tests.
func (s *Scorer) SetClock(now func() time.Time) { s.now = now }

func (s *Scorer) entry(domain string) *entry {
	s.mu.RLock()
	e, ok := s.entries[domain]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[domain]; ok {
		return e
	}
	e = &entry{}
	s.entries[domain] = e
	return e
}

// Observe folds one sample into the domain's health and returns the new
// report. A worsening status publishes a FederationHealthUpdate. Domains are
// treated as HEALTHY before their first sample.
func (s *Scorer) Observe(sample model.HealthSample) (model.InstanceHealthReport, error) {
	d, err := model.NormalizeDomain(sample.Domain)
	if err != nil {
		return model.InstanceHealthReport{}, err
	}
	if err := validateSample(sample); err != nil {
		return model.InstanceHealthReport{}, fmt.Errorf("health: observe %s: %w", d, err)
	}
	at := sample.ObservedAt
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	e := s.entry(d)
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := model.HealthHealthy
	if e.seen {
		prev = e.report.Status
	}
	metrics := e.report.Metrics
	if sample.Reachable {
		e.failures = 0
		metrics.ResponseTimeMS = sample.ResponseTimeMS
		metrics.ErrorRate = sample.ErrorRate
		metrics.QueueDepth = sample.QueueDepth
		metrics.FederationDelayMS = sample.FederationDelayMS
	} else {
		e.failures++
	}
	metrics.ConsecutiveFailures = e.failures

	status, issues := s.classify(metrics)
	metrics.Score = s.score(metrics)

	report := model.InstanceHealthReport{
		Domain:          d,
		Status:          status,
		Metrics:         metrics,
		Issues:          issues,
		Recommendations: recommendations(d, issues),
		LastChecked:     at,
	}
	if e.seen {
		p := prev
		report.PreviousStatus = &p
	}
	e.report = report
	e.seen = true

	if status.WorseThan(prev) {
		s.logger.Info("health: status worsened", "domain", d, "from", prev, "to", status, "score", metrics.Score)
		if s.pub != nil {
			s.pub.Publish(eventbus.Event{
				Topic:  eventbus.TopicHealth,
				Domain: d,
				At:     at,
				Payload: model.FederationHealthUpdate{
					Domain:         d,
					PreviousStatus: prev,
					CurrentStatus:  status,
					Score:          metrics.Score,
					Issues:         cloneIssues(issues),
					At:             at,
				},
			})
		}
	}
	return cloneReport(report), nil
}

// RecordFailure counts a failed or timed-out contact.
func (s *Scorer) RecordFailure(domain string, at time.Time) (model.InstanceHealthReport, error) {
	return s.Observe(model.HealthSample{Domain: domain, Reachable: false, ObservedAt: at})
}

func validateSample(sample model.HealthSample) error {
	if sample.ErrorRate < 0 || sample.ErrorRate > 1 || math.IsNaN(sample.ErrorRate) {
		return fmt.Errorf("%w: error_rate must be within [0, 1]", model.ErrInvalidInput)
	}
	if sample.ResponseTimeMS < 0 || sample.QueueDepth < 0 || sample.FederationDelayMS < 0 {
		return fmt.Errorf("%w: metrics must be >= 0", model.ErrInvalidInput)
	}
	return nil
}

// classify derives the status and the ranked list of breached metrics.
func (s *Scorer) classify(m model.HealthMetrics) (model.InstanceHealthStatus, []model.HealthIssue) {
	p := s.policy
	var issues []model.HealthIssue
	add := func(metric string, sev model.Severity, value, threshold float64, action model.RecommendationAction, msg string) {
		issues = append(issues, model.HealthIssue{
			Metric:            metric,
			Severity:          sev,
			Message:           msg,
			Value:             value,
			Threshold:         threshold,
			RecommendedAction: string(action),
		})
	}

	offline := m.ConsecutiveFailures >= p.OfflineAfter
	critical := false
	soft := false

	failures := float64(m.ConsecutiveFailures)
	switch {
	case offline:
		add(model.MetricReachability, model.SeverityCritical, failures, float64(p.OfflineAfter), model.ActionPause,
			fmt.Sprintf("unreachable for %d consecutive checks", m.ConsecutiveFailures))
	case m.ConsecutiveFailures > p.CriticalAfter:
		critical = true
		add(model.MetricReachability, model.SeverityHigh, failures, float64(p.CriticalAfter), model.ActionLimit,
			fmt.Sprintf("unreachable for %d consecutive checks", m.ConsecutiveFailures))
	case m.ConsecutiveFailures > 0:
		soft = true
		add(model.MetricReachability, model.SeverityLow, failures, float64(p.CriticalAfter), model.ActionMonitor,
			fmt.Sprintf("%d failed contact(s)", m.ConsecutiveFailures))
	}

	switch {
	case m.ErrorRate > p.CriticalErrorRate:
		critical = true
		add(model.MetricErrorRate, model.SeverityCritical, m.ErrorRate, p.CriticalErrorRate, model.ActionPause,
			fmt.Sprintf("error rate %.1f%% above critical %.1f%%", m.ErrorRate*100, p.CriticalErrorRate*100))
	case m.ErrorRate >= p.SoftErrorRate:
		soft = true
		add(model.MetricErrorRate, model.SeverityMedium, m.ErrorRate, p.SoftErrorRate, model.ActionReduceRetries,
			fmt.Sprintf("error rate %.1f%% at or above %.1f%%", m.ErrorRate*100, p.SoftErrorRate*100))
	}

	if m.ResponseTimeMS >= p.TargetResponseMS {
		soft = true
		sev := model.SeverityMedium
		if m.ResponseTimeMS >= 2*p.TargetResponseMS {
			sev = model.SeverityHigh
		}
		add(model.MetricResponseTime, sev, m.ResponseTimeMS, p.TargetResponseMS, model.ActionThrottleEgress,
			fmt.Sprintf("response time %.0fms at or above target %.0fms", m.ResponseTimeMS, p.TargetResponseMS))
	}
	if p.SoftQueueDepth > 0 && m.QueueDepth >= p.SoftQueueDepth {
		soft = true
		sev := model.SeverityMedium
		if m.QueueDepth >= 2*p.SoftQueueDepth {
			sev = model.SeverityHigh
		}
		add(model.MetricQueueDepth, sev, float64(m.QueueDepth), float64(p.SoftQueueDepth), model.ActionLimit,
			fmt.Sprintf("queue depth %d at or above %d", m.QueueDepth, p.SoftQueueDepth))
	}
	if p.SoftFederationDelayMS > 0 && m.FederationDelayMS >= p.SoftFederationDelayMS {
		soft = true
		add(model.MetricFederationDelay, model.SeverityMedium, m.FederationDelayMS, p.SoftFederationDelayMS, model.ActionMonitor,
			fmt.Sprintf("federation delay %.0fms at or above %.0fms", m.FederationDelayMS, p.SoftFederationDelayMS))
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity.Rank() > issues[j].Severity.Rank()
	})

	switch {
	case offline:
		return model.HealthOffline, issues
	case critical:
		return model.HealthCritical, issues
	case soft:
		return model.HealthWarning, issues
	default:
		return model.HealthHealthy, issues
	}
}

// score returns 1 - sum(weight*breach)/sum(weight), where breach in [0,1]
// measures how far each metric sits between its soft and critical level.
// Metrics with a disabled threshold are excluded.
func (s *Scorer) score(m model.HealthMetrics) float64 {
	p := s.policy
	type term struct {
		metric string
		breach float64
	}
	terms := []term{
		{model.MetricReachability, clamp(float64(m.ConsecutiveFailures) / float64(p.OfflineAfter))},
		{model.MetricErrorRate, ramp(m.ErrorRate, p.SoftErrorRate, p.CriticalErrorRate)},
		{model.MetricResponseTime, ramp(m.ResponseTimeMS, p.TargetResponseMS, 2*p.TargetResponseMS)},
	}
	if p.SoftQueueDepth > 0 {
		terms = append(terms, term{model.MetricQueueDepth,
			ramp(float64(m.QueueDepth), float64(p.SoftQueueDepth), 2*float64(p.SoftQueueDepth))})
	}
	if p.SoftFederationDelayMS > 0 {
		terms = append(terms, term{model.MetricFederationDelay,
			ramp(m.FederationDelayMS, p.SoftFederationDelayMS, 2*p.SoftFederationDelayMS)})
	}

	var weighted, total float64
	for _, t := range terms {
		w := p.Weight(t.metric)
		weighted += w * t.breach
		total += w
	}
	if total == 0 {
		return 1
	}
	return 1 - weighted/total
}

// ramp maps v onto [0,1]: 0 below soft, 1 at or above hard, linear between.
// Reaching soft exactly yields a small non-zero breach.
func ramp(v, soft, hard float64) float64 {
	if v < soft {
		return 0
	}
	if hard <= soft {
		return 1
	}
	return clamp(math.Max((v-soft)/(hard-soft), 0.01))
}

func clamp(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func recommendations(domain string, issues []model.HealthIssue) []model.FederationRecommendation {
	idx := make(map[string]int)
	var out []model.FederationRecommendation
	for _, is := range issues {
		if i, ok := idx[is.RecommendedAction]; ok {
			if is.Severity.Rank() > out[i].Priority.Rank() {
				out[i].Priority = is.Severity
			}
			out[i].Reason += "; " + is.Message
			continue
		}
		idx[is.RecommendedAction] = len(out)
		out = append(out, model.FederationRecommendation{
			Domain:   domain,
			Action:   model.RecommendationAction(is.RecommendedAction),
			Reason:   is.Message,
			Priority: is.Severity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority.Rank() > out[j].Priority.Rank() })
	return out
}

// Report returns the latest report for domain.
func (s *Scorer) Report(domain string) (model.InstanceHealthReport, bool) {
	s.mu.RLock()
	e, ok := s.entries[domain]
	s.mu.RUnlock()
	if !ok {
		return model.InstanceHealthReport{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seen {
		return model.InstanceHealthReport{}, false
	}
	return cloneReport(e.report), true
}

// Reports returns the latest reports, worst score first. With a threshold,
// only reports scoring at or below it are returned.
func (s *Scorer) Reports(threshold *float64) []model.InstanceHealthReport {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.InstanceHealthReport, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.seen && (threshold == nil || e.report.Metrics.Score <= *threshold) {
			out = append(out, cloneReport(e.report))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metrics.Score != out[j].Metrics.Score {
			return out[i].Metrics.Score < out[j].Metrics.Score
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

// Failures returns the consecutive failure count for domain.
func (s *Scorer) Failures(domain string) int {
	s.mu.RLock()
	e, ok := s.entries[domain]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

func cloneIssues(in []model.HealthIssue) []model.HealthIssue {
	if in == nil {
		return nil
	}
	return append([]model.HealthIssue(nil), in...)
}

func cloneReport(r model.InstanceHealthReport) model.InstanceHealthReport {
	out := r
	out.Issues = cloneIssues(r.Issues)
	if r.Recommendations != nil {
		out.Recommendations = append([]model.FederationRecommendation(nil), r.Recommendations...)
	}
	if r.PreviousStatus != nil {
		p := *r.PreviousStatus
		out.PreviousStatus = &p
	}
	return out
}
