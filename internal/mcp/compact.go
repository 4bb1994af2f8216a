package mcp

import (
	"fmt"
	"math"

	"github.com/ashita-ai/kizuna/internal/model"
)

// compactStatus returns a minimal representation of a domain's status for
// MCP responses. Version and bookkeeping timestamps are dropped; agents act
// on state, health and spend.
func compactStatus(st model.FederationManagementStatus) map[string]any {
	m := map[string]any{
		"domain":            st.Domain,
		"state":             st.State,
		"month_to_date_usd": round2(st.Metrics.MonthToDateUSD),
	}
	if st.Reason != nil && *st.Reason != "" {
		m["reason"] = *st.Reason
	}
	if st.PausedUntil != nil {
		m["paused_until"] = st.PausedUntil
	}
	if st.Metrics.HealthStatus != nil {
		m["health"] = *st.Metrics.HealthStatus
	}
	if st.Metrics.HealthScore != nil {
		m["health_score"] = round2(*st.Metrics.HealthScore)
	}
	if st.Limits != nil && st.Limits.Active {
		m["requests_per_minute"] = st.Limits.RequestsPerMinute
	}
	if rejected := st.Metrics.DeliveriesRejected; rejected > 0 {
		m["deliveries_rejected"] = rejected
	}
	if note := statusNote(st); note != "" {
		m["note"] = note
	}
	return m
}

// statusNote produces a short rule-based hint for the state an agent is
// most likely to misread. First match wins; "" when no rule fires.
func statusNote(st model.FederationManagementStatus) string {
	switch st.State {
	case model.StateBlocked:
		return "Blocked: only an explicit unblock restores delivery."
	case model.StateError:
		return "Unreachable: recovers on its own once a probe succeeds."
	case model.StatePaused:
		if st.PausedUntil != nil {
			return fmt.Sprintf("Paused until %s; resumes automatically.", st.PausedUntil.UTC().Format("2006-01-02 15:04 UTC"))
		}
		return "Paused with no deadline; needs an explicit resume."
	case model.StateLimited:
		return "Limited: deliveries are rate limited."
	case model.StateActive:
	}
	return ""
}

// compactHealth drops per-issue thresholds and keeps what an agent acts on.
func compactHealth(r model.InstanceHealthReport) map[string]any {
	m := map[string]any{
		"domain":       r.Domain,
		"status":       r.Status,
		"score":        round2(r.Metrics.Score),
		"last_checked": r.LastChecked,
	}
	if r.Metrics.ConsecutiveFailures > 0 {
		m["consecutive_failures"] = r.Metrics.ConsecutiveFailures
	}
	if len(r.Issues) > 0 {
		issues := make([]string, len(r.Issues))
		for i, is := range r.Issues {
			issues[i] = fmt.Sprintf("%s: %s", is.Severity, is.Message)
		}
		m["issues"] = issues
	}
	if len(r.Recommendations) > 0 {
		actions := make([]string, len(r.Recommendations))
		for i, rec := range r.Recommendations {
			actions[i] = string(rec.Action)
		}
		m["recommended_actions"] = actions
	}
	return m
}

// compactSeverance keeps the fields needed to decide whether to reconnect.
func compactSeverance(s model.SeveredRelationship) map[string]any {
	m := map[string]any{
		"id":                 s.ID,
		"remote_instance":    s.RemoteInstance,
		"reason":             s.Reason,
		"affected_followers": s.AffectedFollowers,
		"affected_following": s.AffectedFollowing,
		"reversible":         s.Reversible,
		"open":               s.Open(),
		"timestamp":          s.Timestamp,
	}
	if s.LastReconnection != nil {
		m["last_reconnection"] = map[string]any{
			"success":     s.LastReconnection.Success,
			"reconnected": s.LastReconnection.Reconnected,
			"failed":      s.LastReconnection.Failed,
		}
	}
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
