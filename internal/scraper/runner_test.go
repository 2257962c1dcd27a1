package scraper

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/edgewatch/internal/metrics"
)

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewRunner([]Job{{Cycler: &fakeCycler{id: "x"}}, {Cycler: &fakeCycler{id: "x"}}}, nil, nil, nil)
	assert.ErrorContains(t, err, "duplicate scraper id")
}

func TestRunner_RunOnce(t *testing.T) {
	following := &fakeCycler{id: "scraper-following"}
	profiles := &fakeCycler{id: "scraper-profile"}
	m := metrics.New(prometheus.NewRegistry())

	locks := map[string]*fakeLock{
		"scraper-following": {},
		"scraper-profile":   {busy: true},
	}
	r, err := NewRunner(
		[]Job{{Cycler: following, Schedule: "@every 1m"}, {Cycler: profiles, Schedule: "@every 15m"}},
		func(id string) Locker { return locks[id] },
		m, testLogger())
	require.NoError(t, err)

	results, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, StateDone, results[0].State)
	assert.Equal(t, StateAborted, results[1].State)
	assert.Equal(t, ReasonLockBusy, results[1].Reason)
	assert.Equal(t, 1, following.Calls())
	assert.Zero(t, profiles.Calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LockBusyTotal.WithLabelValues("scraper-profile")))
}

func TestRunner_RunOnceReturnsFatalError(t *testing.T) {
	r, err := NewRunner([]Job{
		{Cycler: &fakeCycler{id: "ok"}},
		{Cycler: &fakeCycler{id: "broken", err: assert.AnError}},
	}, nil, nil, testLogger())
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "scraper broken")
}

func TestRunner_RunStopsOnFatalError(t *testing.T) {
	healthy := &fakeCycler{id: "healthy"}
	r, err := NewRunner([]Job{
		{Cycler: healthy, Schedule: "@every 1h"},
		{Cycler: &fakeCycler{id: "broken", err: assert.AnError}, Schedule: "@every 1h"},
	}, nil, nil, testLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after fatal error")
	}
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	cycler := &fakeCycler{id: "scraper-following", ran: make(chan struct{}, 1)}
	r, err := NewRunner([]Job{{Cycler: cycler, Schedule: "@every 1h"}}, nil, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-cycler.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not run at startup")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
	assert.Equal(t, 1, cycler.Calls())
}

func TestRunner_RunWaitsForStartupCycle(t *testing.T) {
	slow := &fakeCycler{id: "scraper-following", ran: make(chan struct{}, 1), delay: 300 * time.Millisecond}
	r, err := NewRunner([]Job{{Cycler: slow, Schedule: "@every 1h"}}, nil, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-slow.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not run at startup")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.True(t, slow.Finished(), "Run returned while the startup cycle was still running")
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunner_RunWaitsForStartupCycleOnFatalError(t *testing.T) {
	slow := &fakeCycler{id: "slow", delay: 300 * time.Millisecond}
	r, err := NewRunner([]Job{
		{Cycler: slow, Schedule: "@every 1h"},
		{Cycler: &fakeCycler{id: "broken", err: assert.AnError}, Schedule: "@every 1h"},
	}, nil, nil, testLogger())
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, slow.Finished(), "Run returned while the startup cycle was still running")
}

func TestRunner_RunRejectsBadSchedule(t *testing.T) {
	r, err := NewRunner([]Job{{Cycler: &fakeCycler{id: "x"}, Schedule: "every now and then"}}, nil, nil, testLogger())
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.ErrorContains(t, err, "invalid schedule")
}
