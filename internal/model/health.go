package model

import "time"

// InstanceHealthStatus is the composite health of a remote instance.
type InstanceHealthStatus string

const (
	HealthHealthy  InstanceHealthStatus = "HEALTHY"
	HealthWarning  InstanceHealthStatus = "WARNING"
	HealthCritical InstanceHealthStatus = "CRITICAL"
	HealthOffline  InstanceHealthStatus = "OFFLINE"
)

// IsValid reports whether s is one of the declared statuses.
func (s InstanceHealthStatus) IsValid() bool {
	switch s {
	case HealthHealthy, HealthWarning, HealthCritical, HealthOffline:
		return true
	default:
		return false
	}
}

// Rank orders statuses from best (0) to worst (3). Unknown statuses rank
// below HEALTHY so they never mask a real degradation.
func (s InstanceHealthStatus) Rank() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthWarning:
		return 1
	case HealthCritical:
		return 2
	case HealthOffline:
		return 3
	default:
		return -1
	}
}

// WorseThan reports whether s is a strictly worse status than other.
func (s InstanceHealthStatus) WorseThan(other InstanceHealthStatus) bool {
	return s.Rank() > other.Rank()
}

// Severity grades a health issue or recommendation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from LOW (0) to CRITICAL (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Health metric names used in issues and score weights.
const (
	MetricResponseTime    = "response_time"
	MetricErrorRate       = "error_rate"
	MetricQueueDepth      = "queue_depth"
	MetricFederationDelay = "federation_delay"
	MetricReachability    = "reachability"
)

// HealthSample is one raw observation of a remote instance. Samples come
// from the prober (latency, reachability) or the delivery pipeline
// (error rate, queue depth, federation delay).
type HealthSample struct {
	Domain            string    `json:"domain"`
	Reachable         bool      `json:"reachable"`
	ResponseTimeMS    float64   `json:"response_time_ms"`
	ErrorRate         float64   `json:"error_rate"`
	QueueDepth        int       `json:"queue_depth"`
	FederationDelayMS float64   `json:"federation_delay_ms"`
	ObservedAt        time.Time `json:"observed_at"`
}

// HealthMetrics is the metric view carried in a report.
type HealthMetrics struct {
	ResponseTimeMS      float64 `json:"response_time_ms"`
	ErrorRate           float64 `json:"error_rate"`
	QueueDepth          int     `json:"queue_depth"`
	FederationDelayMS   float64 `json:"federation_delay_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Score               float64 `json:"score"`
}

// HealthIssue is one breached metric with its recommended remedy.
type HealthIssue struct {
	Metric            string   `json:"metric"`
	Severity          Severity `json:"severity"`
	Message           string   `json:"message"`
	Value             float64  `json:"value"`
	Threshold         float64  `json:"threshold"`
	RecommendedAction string   `json:"recommended_action"`
}

// InstanceHealthReport is recomputed on every health check.
type InstanceHealthReport struct {
	Domain          string                     `json:"domain"`
	Status          InstanceHealthStatus       `json:"status"`
	PreviousStatus  *InstanceHealthStatus      `json:"previous_status,omitempty"`
	Metrics         HealthMetrics              `json:"metrics"`
	Issues          []HealthIssue              `json:"issues"`
	Recommendations []FederationRecommendation `json:"recommendations"`
	LastChecked     time.Time                  `json:"last_checked"`
}

// FederationHealthUpdate is published when a domain's health worsens.
type FederationHealthUpdate struct {
	Domain         string               `json:"domain"`
	PreviousStatus InstanceHealthStatus `json:"previous_status"`
	CurrentStatus  InstanceHealthStatus `json:"current_status"`
	Score          float64              `json:"score"`
	Issues         []HealthIssue        `json:"issues"`
	At             time.Time            `json:"at"`
}

// RecommendationAction enumerates advisory actions.
type RecommendationAction string

const (
	ActionMonitor          RecommendationAction = "MONITOR"
	ActionLimit            RecommendationAction = "LIMIT"
	ActionPause            RecommendationAction = "PAUSE"
	ActionBlock            RecommendationAction = "BLOCK"
	ActionIncreaseBudget   RecommendationAction = "INCREASE_BUDGET"
	ActionReduceRetries    RecommendationAction = "REDUCE_RETRIES"
	ActionThrottleIngress  RecommendationAction = "THROTTLE_INGRESS"
	ActionThrottleEgress   RecommendationAction = "THROTTLE_EGRESS"
	ActionReduceRequests   RecommendationAction = "REDUCE_REQUEST_RATE"
	ActionAttemptReconnect RecommendationAction = "ATTEMPT_RECONNECTION"
)

// FederationRecommendation is derived advisory output; it is never persisted.
type FederationRecommendation struct {
	Domain              string               `json:"domain"`
	Action              RecommendationAction `json:"action"`
	Reason              string               `json:"reason"`
	Priority            Severity             `json:"priority"`
	EstimatedSavingsUSD *float64             `json:"estimated_savings_usd,omitempty"`
}
