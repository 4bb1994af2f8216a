package model

import "time"

// SeveranceReason classifies why a relationship broke.
type SeveranceReason string

const (
	ReasonInstanceDown    SeveranceReason = "INSTANCE_DOWN"
	ReasonDomainBlock     SeveranceReason = "DOMAIN_BLOCK"
	ReasonDefederation    SeveranceReason = "DEFEDERATION"
	ReasonPolicyViolation SeveranceReason = "POLICY_VIOLATION"
	ReasonOther           SeveranceReason = "OTHER"
)

// IsValid reports whether r is one of the declared reasons.
func (r SeveranceReason) IsValid() bool {
	switch r {
	case ReasonInstanceDown, ReasonDomainBlock, ReasonDefederation, ReasonPolicyViolation, ReasonOther:
		return true
	default:
		return false
	}
}

// Reversible reports whether a severance with this reason may be reconnected.
func (r SeveranceReason) Reversible() bool {
	return r != ReasonPolicyViolation
}

// Rank orders reasons by strength: an outage is weaker than an operator
// block, which is weaker than defederation, which is weaker than a policy
// violation.
func (r SeveranceReason) Rank() int {
	switch r {
	case ReasonPolicyViolation:
		return 3
	case ReasonDefederation:
		return 2
	case ReasonDomainBlock:
		return 1
	case ReasonInstanceDown, ReasonOther:
		return 0
	default:
		return 0
	}
}

// ReconnectionOutcome is appended to a severance by the reconnection path.
type ReconnectionOutcome struct {
	AttemptedAt time.Time `json:"attempted_at"`
	Reconnected int       `json:"reconnected"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Success     bool      `json:"success"`
}

// SeveredRelationship records a break in the follow graph between the local
// instance and a remote one. Everything except Acknowledged and the
// reconnection outcome is fixed at creation, save for the affected counts,
// which may only grow while the record is open.
type SeveredRelationship struct {
	ID                string               `json:"id"`
	LocalInstance     string               `json:"local_instance"`
	RemoteInstance    string               `json:"remote_instance"`
	Reason            SeveranceReason      `json:"reason"`
	AffectedFollowers int                  `json:"affected_followers"`
	AffectedFollowing int                  `json:"affected_following"`
	Reversible        bool                 `json:"reversible"`
	Timestamp         time.Time            `json:"timestamp"`
	Details           *string              `json:"details,omitempty"`
	Acknowledged      bool                 `json:"acknowledged"`
	AcknowledgedAt    *time.Time           `json:"acknowledged_at,omitempty"`
	LastReconnection  *ReconnectionOutcome `json:"last_reconnection,omitempty"`
}

// Open reports whether the severance still dedupes new triggers for its pair.
func (s SeveredRelationship) Open() bool {
	if s.Acknowledged {
		return false
	}
	return s.LastReconnection == nil || !s.LastReconnection.Success
}

// Clone returns a deep copy.
func (s SeveredRelationship) Clone() SeveredRelationship {
	out := s
	if s.Details != nil {
		d := *s.Details
		out.Details = &d
	}
	if s.AcknowledgedAt != nil {
		t := *s.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if s.LastReconnection != nil {
		o := *s.LastReconnection
		out.LastReconnection = &o
	}
	return out
}

// FollowEdge is one follow relationship in the external social graph.
type FollowEdge struct {
	Follower string `json:"follower"`
	Followee string `json:"followee"`
}

// Key returns a stable identity for de-duplication.
func (e FollowEdge) Key() string {
	return e.Follower + "->" + e.Followee
}

// ReconnectionPayload is the result of attemptReconnection.
type ReconnectionPayload struct {
	SeveredRelationshipID string   `json:"severed_relationship_id"`
	Success               bool     `json:"success"`
	Reconnected           int      `json:"reconnected"`
	Failed                int      `json:"failed"`
	Skipped               int      `json:"skipped"`
	Errors                []string `json:"errors"`
}

// AcknowledgePayload is the result of acknowledgeSeverance.
type AcknowledgePayload struct {
	Success             bool                `json:"success"`
	SeveredRelationship SeveredRelationship `json:"severed_relationship"`
}
