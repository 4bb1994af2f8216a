package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FederationState is the management state of a remote domain.
type FederationState string

const (
	StateActive  FederationState = "ACTIVE"
	StateLimited FederationState = "LIMITED"
	StatePaused  FederationState = "PAUSED"
	StateBlocked FederationState = "BLOCKED"
	StateError   FederationState = "ERROR"
)

// IsValid reports whether s is one of the declared states.
func (s FederationState) IsValid() bool {
	switch s {
	case StateActive, StateLimited, StatePaused, StateBlocked, StateError:
		return true
	default:
		return false
	}
}

// AdmitsDelivery reports whether outbound delivery is allowed in this state.
// LIMITED admits deliveries subject to the domain's FederationLimit.
func (s FederationState) AdmitsDelivery() bool {
	switch s {
	case StateActive, StateLimited:
		return true
	case StatePaused, StateBlocked, StateError:
		return false
	default:
		return false
	}
}

// TransitionTrigger records what caused a state transition.
type TransitionTrigger string

const (
	TriggerOperator TransitionTrigger = "operator"
	TriggerBudget   TransitionTrigger = "budget"
	TriggerHealth   TransitionTrigger = "health"
	TriggerPolicy   TransitionTrigger = "policy"
	TriggerExpiry   TransitionTrigger = "expiry"
)

// FederationLimit is an operator-set envelope for a domain's traffic.
// All numeric limits are non-negative. A RequestsPerMinute of zero on an
// active limit admits no deliveries.
type FederationLimit struct {
	IngressLimitMB    float64   `json:"ingress_limit_mb"`
	EgressLimitMB     float64   `json:"egress_limit_mb"`
	RequestsPerMinute int       `json:"requests_per_minute"`
	MonthlyBudgetUSD  *float64  `json:"monthly_budget_usd,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Validate checks the non-negativity of every numeric limit.
func (l FederationLimit) Validate() error {
	if l.IngressLimitMB < 0 {
		return fmt.Errorf("%w: ingress_limit_mb must be >= 0", ErrInvalidInput)
	}
	if l.EgressLimitMB < 0 {
		return fmt.Errorf("%w: egress_limit_mb must be >= 0", ErrInvalidInput)
	}
	if l.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: requests_per_minute must be >= 0", ErrInvalidInput)
	}
	if l.MonthlyBudgetUSD != nil && *l.MonthlyBudgetUSD < 0 {
		return fmt.Errorf("%w: monthly_budget_usd must be >= 0", ErrInvalidInput)
	}
	return nil
}

// FederationMetrics are the running counters kept alongside a domain's status.
type FederationMetrics struct {
	DeliveriesAdmitted int64      `json:"deliveries_admitted"`
	DeliveriesRejected int64      `json:"deliveries_rejected"`
	HealthStatus       *string    `json:"health_status,omitempty"`
	HealthScore        *float64   `json:"health_score,omitempty"`
	MonthToDateUSD     float64    `json:"month_to_date_usd"`
	LastContactAt      *time.Time `json:"last_contact_at,omitempty"`
}

// FederationManagementStatus is the authoritative per-domain record.
type FederationManagementStatus struct {
	Domain      string            `json:"domain"`
	State       FederationState   `json:"state"`
	Limits      *FederationLimit  `json:"limits,omitempty"`
	Metrics     FederationMetrics `json:"metrics"`
	PausedUntil *time.Time        `json:"paused_until,omitempty"`
	Reason      *string           `json:"reason,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointers with the store.
func (s FederationManagementStatus) Clone() FederationManagementStatus {
	out := s
	if s.Limits != nil {
		l := *s.Limits
		if s.Limits.MonthlyBudgetUSD != nil {
			b := *s.Limits.MonthlyBudgetUSD
			l.MonthlyBudgetUSD = &b
		}
		out.Limits = &l
	}
	if s.PausedUntil != nil {
		t := *s.PausedUntil
		out.PausedUntil = &t
	}
	if s.Reason != nil {
		r := *s.Reason
		out.Reason = &r
	}
	if s.Metrics.HealthStatus != nil {
		h := *s.Metrics.HealthStatus
		out.Metrics.HealthStatus = &h
	}
	if s.Metrics.HealthScore != nil {
		h := *s.Metrics.HealthScore
		out.Metrics.HealthScore = &h
	}
	if s.Metrics.LastContactAt != nil {
		t := *s.Metrics.LastContactAt
		out.Metrics.LastContactAt = &t
	}
	return out
}

// StateTransition is one recorded change of a domain's state.
type StateTransition struct {
	ID      string            `json:"id"`
	Domain  string            `json:"domain"`
	From    FederationState   `json:"from"`
	To      FederationState   `json:"to"`
	Reason  string            `json:"reason"`
	Trigger TransitionTrigger `json:"trigger"`
	At      time.Time         `json:"at"`
}

// MaxDomainLen is the DNS limit on a fully-qualified hostname.
const MaxDomainLen = 253

// NormalizeDomain lowercases and trims a domain name and checks that it is a
// plausible hostname. Domains are case-insensitive; every boundary (HTTP,
// MCP, storage) stores the normalized form. Ports are not part of a domain:
// "host:port" is rejected with an error naming the bare hostname.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}
	if host, port, ok := strings.Cut(d, ":"); ok && isPort(port) {
		return "", fmt.Errorf("%w: domain %q must not include a port, use %q", ErrInvalidInput, raw, host)
	}
	if len(d) > MaxDomainLen {
		return "", fmt.Errorf("%w: domain exceeds %d characters", ErrInvalidInput, MaxDomainLen)
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" || len(label) > 63 {
			return "", fmt.Errorf("%w: invalid domain %q", ErrInvalidInput, raw)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return "", fmt.Errorf("%w: invalid domain %q", ErrInvalidInput, raw)
		}
		for _, r := range label {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
				return "", fmt.Errorf("%w: invalid domain %q", ErrInvalidInput, raw)
			}
		}
	}
	return d, nil
}

func isPort(s string) bool {
	_, err := strconv.ParseUint(s, 10, 16)
	return err == nil
}

// DomainLimit pairs a domain with its configured limit.
type DomainLimit struct {
	Domain string          `json:"domain"`
	State  FederationState `json:"state"`
	Limit  FederationLimit `json:"limit"`
}

// BlockPayload is the result of blocking or defederating a domain.
type BlockPayload struct {
	Status    FederationManagementStatus `json:"status"`
	Severance *SeveredRelationship       `json:"severance,omitempty"`
}
