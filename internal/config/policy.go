package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kizuna/internal/model"
)

// Policy is the operational policy loaded from KIZUNA_POLICY_FILE. Values that
// have no defensible universal default (failure thresholds, grace window,
// target latency) are left zero by DefaultPolicy and must be configured.
type Policy struct {
	Health       HealthPolicy       `yaml:"health"`
	Severance    SeverancePolicy    `yaml:"severance"`
	Budget       BudgetPolicy       `yaml:"budget"`
	Optimization OptimizationPolicy `yaml:"optimization"`
}

// HealthPolicy configures health classification.
type HealthPolicy struct {
	// TargetResponseMS is the latency at or above which response time is a soft breach.
	TargetResponseMS float64 `yaml:"target_response_ms"`
	// SoftErrorRate is the error rate at or above which a domain is WARNING.
	SoftErrorRate float64 `yaml:"soft_error_rate"`
	// CriticalErrorRate is the error rate above which a domain is CRITICAL.
	CriticalErrorRate float64 `yaml:"critical_error_rate"`
	// SoftQueueDepth and SoftFederationDelayMS are optional; zero disables them.
	SoftQueueDepth        int     `yaml:"soft_queue_depth"`
	SoftFederationDelayMS float64 `yaml:"soft_federation_delay_ms"`
	// CriticalAfter is N: more than N consecutive failed contacts is CRITICAL.
	CriticalAfter int `yaml:"critical_after"`
	// OfflineAfter is M: M consecutive failed contacts is OFFLINE.
	OfflineAfter int `yaml:"offline_after"`
	// Weights scales each metric in the composite score. Missing metrics weigh 1.
	Weights map[string]float64 `yaml:"weights"`
}

// Weight returns the configured weight for metric, defaulting to 1.
func (h HealthPolicy) Weight(metric string) float64 {
	if w, ok := h.Weights[metric]; ok {
		return w
	}
	return 1
}

// SeverancePolicy configures automatic severance detection.
type SeverancePolicy struct {
	// GraceChecks is the number of consecutive failed checks an OFFLINE
	// domain is tolerated before an INSTANCE_DOWN severance is recorded.
	GraceChecks int `yaml:"grace_checks"`
}

// BudgetPolicy configures budget defaults.
type BudgetPolicy struct {
	DefaultAlertThreshold float64 `yaml:"default_alert_threshold"`
}

// OptimizationRule maps an operation to a cost-reduction action and the
// fraction of that operation's monthly spend the action is expected to save.
type OptimizationRule struct {
	Operation string                     `yaml:"operation"`
	Action    model.RecommendationAction `yaml:"action"`
	Reduction float64                    `yaml:"reduction"`
}

// LimitBaseline is the limit an executed optimisation action starts from
// when the domain has no active limit yet.
type LimitBaseline struct {
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	IngressLimitMB    float64 `yaml:"ingress_limit_mb"`
	EgressLimitMB     float64 `yaml:"egress_limit_mb"`
}

// OptimizationPolicy configures optimizeFederationCosts.
type OptimizationPolicy struct {
	Rules      []OptimizationRule `yaml:"rules"`
	MaxActions int                `yaml:"max_actions"`
	Baseline   LimitBaseline      `yaml:"baseline"`
}

// DefaultPolicy returns the policy used when no file is configured. It
// leaves the health failure thresholds, grace window and target latency unset.
func DefaultPolicy() Policy {
	p := Policy{}
	p.applyDefaults()
	return p
}

// LoadPolicy reads and parses a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy bytes and fills unset optional values.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("config: parse policy: %w", err)
	}
	p.applyDefaults()
	return p, nil
}

// applyDefaults fills in missing optional values.
func (p *Policy) applyDefaults() {
	if p.Health.SoftErrorRate == 0 {
		p.Health.SoftErrorRate = 0.01
	}
	if p.Health.CriticalErrorRate == 0 {
		p.Health.CriticalErrorRate = 0.10
	}
	if p.Budget.DefaultAlertThreshold == 0 {
		p.Budget.DefaultAlertThreshold = 0.8
	}
	if p.Optimization.MaxActions == 0 {
		p.Optimization.MaxActions = 5
	}
	if p.Optimization.Baseline.RequestsPerMinute == 0 {
		p.Optimization.Baseline.RequestsPerMinute = 600
	}
	if p.Optimization.Baseline.IngressLimitMB == 0 {
		p.Optimization.Baseline.IngressLimitMB = 1024
	}
	if p.Optimization.Baseline.EgressLimitMB == 0 {
		p.Optimization.Baseline.EgressLimitMB = 1024
	}
	if len(p.Optimization.Rules) == 0 {
		p.Optimization.Rules = []OptimizationRule{
			{Operation: "delivery_retry", Action: model.ActionReduceRetries, Reduction: 0.5},
			{Operation: "media_fetch", Action: model.ActionThrottleIngress, Reduction: 0.3},
			{Operation: "inbox_delivery", Action: model.ActionThrottleEgress, Reduction: 0.2},
		}
	}
}

// applyEnv overrides policy values from the environment.
func (p *Policy) applyEnv() {
	p.Health.TargetResponseMS = envFloat("KIZUNA_HEALTH_TARGET_RESPONSE_MS", p.Health.TargetResponseMS)
	p.Health.CriticalAfter = envInt("KIZUNA_HEALTH_CRITICAL_AFTER", p.Health.CriticalAfter)
	p.Health.OfflineAfter = envInt("KIZUNA_HEALTH_OFFLINE_AFTER", p.Health.OfflineAfter)
	p.Severance.GraceChecks = envInt("KIZUNA_SEVERANCE_GRACE_CHECKS", p.Severance.GraceChecks)
}

// Validate checks policy consistency.
func (p Policy) Validate() error {
	h := p.Health
	if h.TargetResponseMS <= 0 {
		return fmt.Errorf("policy: health.target_response_ms must be set")
	}
	if h.CriticalAfter <= 0 {
		return fmt.Errorf("policy: health.critical_after must be set")
	}
	if h.OfflineAfter <= h.CriticalAfter {
		return fmt.Errorf("policy: health.offline_after (%d) must exceed critical_after (%d)", h.OfflineAfter, h.CriticalAfter)
	}
	if h.SoftErrorRate <= 0 || h.SoftErrorRate > h.CriticalErrorRate || h.CriticalErrorRate > 1 {
		return fmt.Errorf("policy: error rates must satisfy 0 < soft <= critical <= 1")
	}
	if h.SoftQueueDepth < 0 || h.SoftFederationDelayMS < 0 {
		return fmt.Errorf("policy: soft thresholds must be >= 0")
	}
	for metric, w := range h.Weights {
		if w < 0 {
			return fmt.Errorf("policy: weight for %s must be >= 0", metric)
		}
	}
	if p.Severance.GraceChecks < h.OfflineAfter {
		return fmt.Errorf("policy: severance.grace_checks (%d) must be >= offline_after (%d)", p.Severance.GraceChecks, h.OfflineAfter)
	}
	if t := p.Budget.DefaultAlertThreshold; t < 0 || t > 1 {
		return fmt.Errorf("policy: budget.default_alert_threshold must be within [0, 1]")
	}
	if p.Optimization.MaxActions < 0 {
		return fmt.Errorf("policy: optimization.max_actions must be >= 0")
	}
	if b := p.Optimization.Baseline; b.RequestsPerMinute <= 0 || b.IngressLimitMB <= 0 || b.EgressLimitMB <= 0 {
		return fmt.Errorf("policy: optimization.baseline values must be > 0")
	}
	for _, r := range p.Optimization.Rules {
		if r.Operation == "" || r.Reduction <= 0 || r.Reduction > 1 {
			return fmt.Errorf("policy: optimization rule %q needs an operation and a reduction in (0, 1]", r.Operation)
		}
	}
	return nil
}
