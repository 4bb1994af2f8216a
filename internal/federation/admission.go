package federation

import (
	"context"
	"time"

	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/ratelimit"
)

const admissionPrefix = "rpm"

// AdmitDelivery decides whether an outbound delivery to domain may proceed.
// PAUSED, BLOCKED and ERROR deny. An active limit enforces its
// requestsPerMinute over a sliding minute; zero denies every delivery while
// the limit is active. Cost recording is unaffected either way.
func (e *Engine) AdmitDelivery(ctx context.Context, domain string) (model.AdmissionDecision, error) {
	st, err := e.states.Touch(ctx, domain)
	if err != nil {
		return model.AdmissionDecision{}, err
	}
	dec := model.AdmissionDecision{Domain: st.Domain, State: st.State, Allowed: true}

	switch {
	case !st.State.AdmitsDelivery():
		dec.Allowed = false
		dec.Reason = "federation is " + string(st.State)
	case st.Limits != nil && st.Limits.Active:
		res := e.window.Allow(ctx, ratelimit.Rule{
			Prefix: admissionPrefix,
			Limit:  st.Limits.RequestsPerMinute,
			Window: time.Minute,
		}, st.Domain)
		remaining := res.Remaining
		dec.Remaining = &remaining
		if !res.ResetAt.IsZero() {
			reset := res.ResetAt
			dec.ResetAt = &reset
		}
		if !res.Allowed {
			dec.Allowed = false
			dec.Reason = "requests per minute limit reached"
		}
	}

	e.states.RecordDelivery(st.Domain, dec.Allowed)
	e.metrics.admission(ctx, dec.Allowed)
	return dec, nil
}
