package domainstate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memJournal struct {
	mu          sync.Mutex
	statuses    map[string]model.FederationManagementStatus
	transitions []model.StateTransition
	failSave    bool
}

func (j *memJournal) SaveStatus(_ context.Context, st model.FederationManagementStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failSave {
		return errors.New("db down")
	}
	if j.statuses == nil {
		j.statuses = make(map[string]model.FederationManagementStatus)
	}
	j.statuses[st.Domain] = st
	return nil
}

func (j *memJournal) AppendTransition(_ context.Context, t model.StateTransition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, t)
	return nil
}

func newStore(t *testing.T) (*Store, *clock, *eventbus.Subscription, *memJournal) {
	t.Helper()
	c := &clock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	bus := eventbus.New(64, testLogger())
	sub := bus.Subscribe(nil, eventbus.TopicStatus)
	j := &memJournal{}
	return New(bus, testLogger(), WithClock(c.Now), WithJournal(j)), c, sub, j
}

var ctx = context.Background()

func TestLazyCreationAndNotFound(t *testing.T) {
	s, _, _, _ := newStore(t)
	_, err := s.Get(ctx, "unknown.example")
	assert.ErrorIs(t, err, model.ErrNotFound)

	st, err := s.Touch(ctx, "New.Example")
	require.NoError(t, err)
	assert.Equal(t, "new.example", st.Domain)
	assert.Equal(t, model.StateActive, st.State)

	got, err := s.Get(ctx, "new.example")
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestPauseIsIdempotent(t *testing.T) {
	s, _, sub, _ := newStore(t)
	first, err := s.Pause(ctx, "a.example", Change{Reason: "spam wave"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, first.State)
	require.NotNil(t, first.Reason)
	assert.Equal(t, "spam wave", *first.Reason)

	again, err := s.Pause(ctx, "a.example", Change{Reason: "different"})
	require.NoError(t, err)
	assert.Equal(t, first, again, "second pause returns the unchanged status")
	assert.Equal(t, 1, sub.Len(), "only one transition published")
}

func TestTransitionTable(t *testing.T) {
	type step struct {
		op      func(*Store) (model.FederationManagementStatus, error)
		want    model.FederationState
		wantErr error
	}
	pause := func(s *Store) (model.FederationManagementStatus, error) { return s.Pause(ctx, "d.example", Change{}) }
	resume := func(s *Store) (model.FederationManagementStatus, error) { return s.Resume(ctx, "d.example", Change{}) }
	limit := func(s *Store) (model.FederationManagementStatus, error) { return s.Limit(ctx, "d.example", Change{}) }
	block := func(s *Store) (model.FederationManagementStatus, error) { return s.Block(ctx, "d.example", Change{}) }
	unblock := func(s *Store) (model.FederationManagementStatus, error) { return s.Unblock(ctx, "d.example", Change{}) }
	fail := func(s *Store) (model.FederationManagementStatus, error) { return s.MarkError(ctx, "d.example", Change{}) }
	recoverOp := func(s *Store) (model.FederationManagementStatus, error) { return s.Recover(ctx, "d.example", Change{}) }

	cases := map[string][]step{
		"limit then pause then resume": {
			{limit, model.StateLimited, nil},
			{pause, model.StatePaused, nil},
			{resume, model.StateActive, nil},
		},
		"resume limited": {
			{limit, model.StateLimited, nil},
			{resume, model.StateActive, nil},
		},
		"resume on blocked is invalid": {
			{block, model.StateBlocked, nil},
			{resume, model.StateBlocked, model.ErrInvalidTransition},
			{pause, model.StateBlocked, model.ErrInvalidTransition},
			{limit, model.StateBlocked, model.ErrInvalidTransition},
			{unblock, model.StateActive, nil},
		},
		"block from paused": {
			{pause, model.StatePaused, nil},
			{block, model.StateBlocked, nil},
			{block, model.StateBlocked, nil},
		},
		"offline then recover": {
			{fail, model.StateError, nil},
			{pause, model.StateError, model.ErrInvalidTransition},
			{resume, model.StateError, model.ErrInvalidTransition},
			{recoverOp, model.StateActive, nil},
		},
		"paused does not go to error": {
			{pause, model.StatePaused, nil},
			{fail, model.StatePaused, model.ErrInvalidTransition},
		},
		"unblock active is a no-op": {
			{unblock, model.StateActive, nil},
		},
		"limit on paused is invalid": {
			{pause, model.StatePaused, nil},
			{limit, model.StatePaused, model.ErrInvalidTransition},
		},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			s, _, _, _ := newStore(t)
			for i, st := range steps {
				got, err := st.op(s)
				if st.wantErr != nil {
					require.ErrorIs(t, err, st.wantErr, "step %d", i)
					cur, gerr := s.Get(ctx, "d.example")
					require.NoError(t, gerr)
					assert.Equal(t, st.want, cur.State, "step %d leaves state unchanged", i)
					continue
				}
				require.NoError(t, err, "step %d", i)
				assert.Equal(t, st.want, got.State, "step %d", i)
			}
		})
	}
}

func TestPausedUntilExpiresLazilyAndBySweep(t *testing.T) {
	s, c, _, _ := newStore(t)
	until := c.Now().Add(time.Hour)
	_, err := s.Pause(ctx, "lazy.example", Change{Until: &until})
	require.NoError(t, err)
	_, err = s.Pause(ctx, "swept.example", Change{Until: &until})
	require.NoError(t, err)

	c.Advance(2 * time.Hour)
	st, err := s.Get(ctx, "lazy.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
	assert.Nil(t, st.PausedUntil)

	resumed := s.SweepExpired(ctx)
	assert.Equal(t, []string{"swept.example"}, resumed)

	hist, err := s.History("swept.example", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.TriggerExpiry, hist[0].Trigger)
}

func TestPauseUntilInPastIsRejected(t *testing.T) {
	s, c, _, _ := newStore(t)
	past := c.Now().Add(-time.Minute)
	_, err := s.Pause(ctx, "a.example", Change{Until: &past})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestExpectedVersionConflict(t *testing.T) {
	s, _, _, _ := newStore(t)
	_, err := s.Touch(ctx, "a.example")
	require.NoError(t, err)
	st, err := s.Limit(ctx, "a.example", Change{})
	require.NoError(t, err)
	stale := st.Version

	_, err = s.Pause(ctx, "a.example", Change{ExpectedVersion: stale})
	require.NoError(t, err)
	_, err = s.Resume(ctx, "a.example", Change{ExpectedVersion: stale})
	assert.ErrorIs(t, err, model.ErrConflict)

	cur, err := s.Get(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, cur.State)
}

func TestJournalFailureLeavesStateUnchanged(t *testing.T) {
	s, _, sub, j := newStore(t)
	j.failSave = true
	_, err := s.Pause(ctx, "a.example", Change{})
	require.Error(t, err)
	st, err := s.Get(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
	assert.Equal(t, 0, sub.Len())
}

func TestJournalRecordsTransitions(t *testing.T) {
	s, _, _, j := newStore(t)
	_, err := s.Pause(ctx, "a.example", Change{Reason: "r", Trigger: model.TriggerBudget})
	require.NoError(t, err)
	require.Len(t, j.transitions, 1)
	tr := j.transitions[0]
	assert.Equal(t, model.StateActive, tr.From)
	assert.Equal(t, model.StatePaused, tr.To)
	assert.Equal(t, model.TriggerBudget, tr.Trigger)
	assert.Equal(t, model.StatePaused, j.statuses["a.example"].State)
}

func TestSetLimitKeepsState(t *testing.T) {
	s, _, _, _ := newStore(t)
	_, err := s.Limit(ctx, "a.example", Change{})
	require.NoError(t, err)
	st, err := s.SetLimit(ctx, "a.example", model.FederationLimit{RequestsPerMinute: 0, Active: true})
	require.NoError(t, err)
	assert.Equal(t, model.StateLimited, st.State)
	require.NotNil(t, st.Limits)
	assert.True(t, st.Limits.Active)
	assert.False(t, st.Limits.CreatedAt.IsZero())

	_, err = s.SetLimit(ctx, "a.example", model.FederationLimit{RequestsPerMinute: -1})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	s, _, _, _ := newStore(t)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = s.Pause(ctx, "race.example", Change{})
			} else {
				_, _ = s.Resume(ctx, "race.example", Change{})
			}
		}()
	}
	wg.Wait()
	hist, err := s.History("race.example", maxHistory)
	require.NoError(t, err)
	// Every recorded transition starts where the previous one ended.
	for i := len(hist) - 1; i > 0; i-- {
		assert.Equal(t, hist[i].To, hist[i-1].From)
	}
	st, err := s.Get(ctx, "race.example")
	require.NoError(t, err)
	assert.Equal(t, int64(len(hist)), st.Version)
}

func TestRecordDeliveryAndRestore(t *testing.T) {
	s, _, _, _ := newStore(t)
	_, _ = s.Touch(ctx, "a.example")
	s.RecordDelivery("a.example", true)
	s.RecordDelivery("a.example", false)
	s.RecordDelivery("unknown.example", true)
	st, err := s.Get(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Metrics.DeliveriesAdmitted)
	assert.Equal(t, int64(1), st.Metrics.DeliveriesRejected)

	fresh := New(nil, testLogger())
	fresh.Restore([]model.FederationManagementStatus{{Domain: "b.example", State: model.StateBlocked, Version: 3}},
		[]model.StateTransition{{Domain: "b.example", From: model.StateActive, To: model.StateBlocked}})
	got, err := fresh.Get(ctx, "b.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, got.State)
	hist, err := fresh.History("b.example", 5)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
