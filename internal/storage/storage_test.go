package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/storage"
	"github.com/ashita-ai/kizuna/internal/testutil"
	"github.com/ashita-ai/kizuna/migrations"
)

// testDB is shared by every test in this package. It is nil when Docker is
// unavailable, in which case the tests skip.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, storage tests skipped: %v\n", err)
		os.Exit(m.Run())
	}
	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open test db: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db
	code := m.Run()
	db.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) *storage.DB {
	t.Helper()
	if testing.Short() || testDB == nil {
		t.Skip("postgres not available")
	}
	return testDB
}

func uniqueDomain(prefix string) string {
	return fmt.Sprintf("%s-%s.example", prefix, uuid.NewString()[:8])
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := requireDB(t)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
}

func TestStatusRoundTripAndVersionGuard(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	domain := uniqueDomain("status")
	reason := "maintenance"
	score := 0.8
	rpm := 0

	s := model.FederationManagementStatus{
		Domain: domain,
		State:  model.StatePaused,
		Limits: &model.FederationLimit{RequestsPerMinute: rpm, Active: true, CreatedAt: now, UpdatedAt: now},
		Metrics: model.FederationMetrics{
			DeliveriesAdmitted: 12,
			HealthScore:        &score,
			MonthToDateUSD:     4.5,
		},
		PausedUntil: &now,
		Reason:      &reason,
		Version:     3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, db.SaveStatus(ctx, s))

	got, err := db.GetStatus(ctx, domain)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, got.State)
	require.NotNil(t, got.Limits)
	assert.True(t, got.Limits.Active)
	assert.Equal(t, 0, got.Limits.RequestsPerMinute)
	assert.Equal(t, int64(12), got.Metrics.DeliveriesAdmitted)
	require.NotNil(t, got.Metrics.HealthScore)
	assert.InDelta(t, 0.8, *got.Metrics.HealthScore, 1e-9)
	assert.Equal(t, "maintenance", *got.Reason)

	stale := s
	stale.State = model.StateActive
	stale.Version = 2
	require.NoError(t, db.SaveStatus(ctx, stale))
	got, err = db.GetStatus(ctx, domain)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, got.State, "older version must not overwrite")

	_, err = db.GetStatus(ctx, uniqueDomain("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionsKeepRecentPerDomain(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	domain := uniqueDomain("history")
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := range 5 {
		tr := model.StateTransition{
			ID:      uuid.NewString(),
			Domain:  domain,
			From:    model.StateActive,
			To:      model.StatePaused,
			Reason:  fmt.Sprintf("step %d", i),
			Trigger: model.TriggerOperator,
			At:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, db.AppendTransition(ctx, tr))
		require.NoError(t, db.AppendTransition(ctx, tr), "duplicate id is ignored")
	}

	all, err := db.LoadTransitions(ctx, 3)
	require.NoError(t, err)
	var mine []model.StateTransition
	for _, tr := range all {
		if tr.Domain == domain {
			mine = append(mine, tr)
		}
	}
	require.Len(t, mine, 3)
	assert.Equal(t, "step 2", mine[0].Reason)
	assert.Equal(t, "step 4", mine[2].Reason)
	assert.Equal(t, model.TriggerOperator, mine[0].Trigger)
}

func TestBudgetUpsert(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	domain := uniqueDomain("budget")
	b := model.InstanceBudget{
		Domain:           domain,
		MonthlyBudgetUSD: 100,
		CurrentSpendUSD:  10,
		AlertThreshold:   0.8,
		AutoLimit:        true,
		Period:           "2026-10",
		UpdatedAt:        time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, db.SaveBudget(ctx, b))
	b.CurrentSpendUSD = 101
	require.NoError(t, db.SaveBudget(ctx, b))

	all, err := db.LoadBudgets(ctx)
	require.NoError(t, err)
	var found *model.InstanceBudget
	for i := range all {
		if all[i].Domain == domain {
			found = &all[i]
		}
	}
	require.NotNil(t, found)
	assert.InDelta(t, 101, found.CurrentSpendUSD, 1e-9)
	assert.True(t, found.AutoLimit)

	bad := b
	bad.Domain = uniqueDomain("bad")
	bad.AlertThreshold = 2
	assert.Error(t, db.SaveBudget(ctx, bad), "check constraint rejects threshold > 1")
}

func TestCostItemsSinceAndPrune(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	domain := uniqueDomain("cost")
	old := time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC)
	recent := time.Now().UTC().Truncate(time.Microsecond)

	for _, at := range []time.Time{old, recent} {
		require.NoError(t, db.AppendCostItem(ctx, model.CostItem{
			ID: uuid.NewString(), Domain: domain, Operation: "delivery", Cost: 0.25, Count: 5, RecordedAt: at,
		}))
	}

	items, err := db.LoadCostItems(ctx, recent.Add(-time.Minute))
	require.NoError(t, err)
	var mine int
	for _, it := range items {
		if it.Domain == domain {
			mine++
			assert.Equal(t, int64(5), it.Count)
		}
	}
	assert.Equal(t, 1, mine)

	n, err := db.PruneCostItems(ctx, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestSeveranceCountsNeverShrink(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	s := model.SeveredRelationship{
		ID:                id,
		LocalInstance:     "local.example",
		RemoteInstance:    uniqueDomain("remote"),
		Reason:            model.ReasonInstanceDown,
		AffectedFollowers: 10,
		AffectedFollowing: 4,
		Reversible:        true,
		Timestamp:         now,
	}
	require.NoError(t, db.SaveSeverance(ctx, s))

	s.AffectedFollowers = 3
	s.Acknowledged = true
	s.AcknowledgedAt = &now
	s.LastReconnection = &model.ReconnectionOutcome{AttemptedAt: now, Reconnected: 7, Failed: 3}
	require.NoError(t, db.SaveSeverance(ctx, s))

	all, err := db.LoadSeverances(ctx)
	require.NoError(t, err)
	var got *model.SeveredRelationship
	for i := range all {
		if all[i].ID == id {
			got = &all[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, 10, got.AffectedFollowers)
	assert.True(t, got.Acknowledged)
	require.NotNil(t, got.LastReconnection)
	assert.Equal(t, 7, got.LastReconnection.Reconnected)
	assert.True(t, got.Reversible)
}

func TestOperators(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	hash := "salt$hash"
	op := model.Operator{
		ID:         uuid.New(),
		OperatorID: "ops-" + uuid.NewString()[:8],
		Name:       "On-call",
		Role:       model.RoleOperator,
		APIKeyHash: &hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := db.CreateOperator(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, op.ID, created.ID)

	_, err = db.CreateOperator(ctx, op)
	assert.ErrorIs(t, err, storage.ErrOperatorExists)

	got, err := db.GetOperator(ctx, op.OperatorID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, got.Role)
	require.NotNil(t, got.APIKeyHash)

	require.NoError(t, db.DeleteOperator(ctx, op.OperatorID))
	_, err = db.GetOperator(ctx, op.OperatorID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, db.DeleteOperator(ctx, op.OperatorID), storage.ErrNotFound)
}

func TestNotifyRoundTrip(t *testing.T) {
	db := requireDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, db.Listen(ctx, storage.ChannelEvents))
	require.NoError(t, db.Notify(ctx, storage.ChannelEvents, `{"topic":"status"}`))

	ch, payload, err := db.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelEvents, ch)
	assert.JSONEq(t, `{"topic":"status"}`, payload)

	big := make([]byte, 9000)
	for i := range big {
		big[i] = 'x'
	}
	assert.Error(t, db.Notify(ctx, storage.ChannelEvents, string(big)))
}
