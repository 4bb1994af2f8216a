package model_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/model"
)

func ptr[T any](v T) *T { return &v }

// ---- NormalizeDomain -----------------------------------------------------

func TestNormalizeDomain(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Mastodon.Social", want: "mastodon.social"},
		{in: "  example.org. ", want: "example.org"},
		{in: "xn--bcher-kva.example", want: "xn--bcher-kva.example"},
		{in: "", wantErr: true},
		{in: "bad..domain", wantErr: true},
		{in: "-leading.example", wantErr: true},
		{in: "under_score.example", wantErr: true},
		{in: "https://example.org", wantErr: true},
		{in: "social.example:8443", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := model.NormalizeDomain(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeDomainNamesBareHostForPorts(t *testing.T) {
	_, err := model.NormalizeDomain("Social.Example:8443")
	require.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Contains(t, err.Error(), "must not include a port")
	assert.Contains(t, err.Error(), `"social.example"`)

	_, err = model.NormalizeDomain("https://example.org")
	require.ErrorIs(t, err, model.ErrInvalidInput)
	assert.NotContains(t, err.Error(), "port")
}

// ---- Enums ---------------------------------------------------------------

func TestFederationStateAdmitsDelivery(t *testing.T) {
	assert.True(t, model.StateActive.AdmitsDelivery())
	assert.True(t, model.StateLimited.AdmitsDelivery())
	assert.False(t, model.StatePaused.AdmitsDelivery())
	assert.False(t, model.StateBlocked.AdmitsDelivery())
	assert.False(t, model.StateError.AdmitsDelivery())
	assert.False(t, model.FederationState("SUSPENDED").IsValid())
}

func TestHealthStatusOrdering(t *testing.T) {
	assert.True(t, model.HealthOffline.WorseThan(model.HealthCritical))
	assert.True(t, model.HealthCritical.WorseThan(model.HealthWarning))
	assert.True(t, model.HealthWarning.WorseThan(model.HealthHealthy))
	assert.False(t, model.HealthHealthy.WorseThan(model.HealthHealthy))
}

func TestSeveranceReversible(t *testing.T) {
	for _, r := range []model.SeveranceReason{
		model.ReasonInstanceDown, model.ReasonDomainBlock, model.ReasonDefederation, model.ReasonOther,
	} {
		assert.True(t, r.Reversible(), string(r))
	}
	assert.False(t, model.ReasonPolicyViolation.Reversible())
}

// ---- Budget --------------------------------------------------------------

func TestAlertLevelFor(t *testing.T) {
	assert.Equal(t, model.AlertInfo, model.AlertLevelFor(0.8))
	assert.Equal(t, model.AlertWarning, model.AlertLevelFor(0.9))
	assert.Equal(t, model.AlertWarning, model.AlertLevelFor(0.999))
	assert.Equal(t, model.AlertCritical, model.AlertLevelFor(1.0))
	assert.Equal(t, model.AlertCritical, model.AlertLevelFor(1.01))
}

func TestInstanceBudgetPercentUsed(t *testing.T) {
	b := model.InstanceBudget{MonthlyBudgetUSD: 100, CurrentSpendUSD: 101}
	assert.InDelta(t, 1.01, b.PercentUsed(), 1e-9)
	assert.True(t, b.Exceeded())

	zero := model.InstanceBudget{}
	assert.Equal(t, 0.0, zero.PercentUsed())
	assert.False(t, zero.Exceeded())

	zero.CurrentSpendUSD = 0.5
	assert.True(t, zero.Exceeded(), "any spend against a zero budget is exceeded")
}

func TestFederationLimitValidate(t *testing.T) {
	assert.NoError(t, model.FederationLimit{RequestsPerMinute: 0}.Validate())
	assert.ErrorIs(t, model.FederationLimit{RequestsPerMinute: -1}.Validate(), model.ErrInvalidInput)
	assert.ErrorIs(t, model.FederationLimit{IngressLimitMB: -0.1}.Validate(), model.ErrInvalidInput)
	assert.ErrorIs(t, model.FederationLimit{MonthlyBudgetUSD: ptr(-5.0)}.Validate(), model.ErrInvalidInput)
}

// ---- Cost periods --------------------------------------------------------

func TestCostPeriodBucketKey(t *testing.T) {
	ts := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-10-14T09", model.PeriodHour.BucketKey(ts))
	assert.Equal(t, "2026-10-14", model.PeriodDay.BucketKey(ts))
	assert.Equal(t, "2026-10", model.PeriodMonth.BucketKey(ts))
	assert.Equal(t, 31, model.DaysInMonth(ts))
	assert.Equal(t, 28, model.DaysInMonth(time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)))

	_, err := model.ParseCostPeriod("WEEK")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	p, err := model.ParseCostPeriod("")
	require.NoError(t, err)
	assert.Equal(t, model.PeriodMonth, p)
}

// ---- Cursors -------------------------------------------------------------

func TestCursorRoundTripAndOrder(t *testing.T) {
	c := model.Cursor{At: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), ID: "b"}
	decoded, err := model.DecodeCursor(model.EncodeCursor(c))
	require.NoError(t, err)
	assert.True(t, c.At.Equal(decoded.At))
	assert.Equal(t, c.ID, decoded.ID)

	older := model.Cursor{At: c.At.Add(-time.Second), ID: "z"}
	sameTimeLowerID := model.Cursor{At: c.At, ID: "a"}
	assert.True(t, older.SortsAfter(c))
	assert.True(t, sameTimeLowerID.SortsAfter(c))
	assert.False(t, c.SortsAfter(c))

	_, err = model.DecodeCursor("not-a-cursor!")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

// ---- Errors --------------------------------------------------------------

func TestErrorCode(t *testing.T) {
	wrapped := func(err error) error { return fmt.Errorf("layer: %w", err) }
	assert.Equal(t, model.ErrCodeNotFound, model.ErrorCode(wrapped(model.ErrNotFound)))
	assert.Equal(t, model.ErrCodeInvalidTransition, model.ErrorCode(wrapped(model.ErrInvalidTransition)))
	assert.Equal(t, model.ErrCodeInvalidCost, model.ErrorCode(wrapped(model.ErrInvalidCost)))
	assert.Equal(t, model.ErrCodeNotReversible, model.ErrorCode(wrapped(model.ErrNotReversible)))
	assert.Equal(t, model.ErrCodeTimeout, model.ErrorCode(wrapped(model.ErrTimeout)))
	assert.Equal(t, model.ErrCodeConflict, model.ErrorCode(wrapped(model.ErrConflict)))
	assert.Equal(t, model.ErrCodeInternalError, model.ErrorCode(fmt.Errorf("boom")))
}
