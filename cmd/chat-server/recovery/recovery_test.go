package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportDeduplicatesByKey(t *testing.T) {
	s := NewSupervisor(Config{Threshold: 10}, nil)

	s.Report("database", "reconnect_failed", "first")
	s.Report("database", "reconnect_failed", "second")
	s.Report("database", "checkout_timeout", "other kind")

	failures := s.Failures()
	require.Len(t, failures, 2)

	var recon Failure
	for _, f := range failures {
		if f.Key.Kind == "reconnect_failed" {
			recon = f
		}
	}
	assert.Equal(t, 2, recon.Occurrences)
	assert.Equal(t, "second", recon.Detail)
	assert.False(t, recon.Resolved)
}

func TestThresholdGatesRecovery(t *testing.T) {
	s := NewSupervisor(Config{Threshold: 3}, nil)
	var runs int
	s.RegisterAction("database", Action{
		Name:        "reconnect",
		MaxAttempts: 5,
		Run:         func(ctx context.Context, f Failure) error { runs++; return nil },
	})

	key := FailureKey{Component: "database", Kind: "down"}
	s.Report("database", "down", "1")
	s.Report("database", "down", "2")
	assert.Empty(t, s.queue)

	s.Report("database", "down", "3")
	require.Len(t, s.queue, 1)
	<-s.queue
	s.recover(key)
	assert.Equal(t, 1, runs)
}

func TestActionsRunInPriorityOrderUntilSuccess(t *testing.T) {
	s := NewSupervisor(Config{}, nil)
	var order []string
	s.RegisterAction("pipeline", Action{
		Name:     "restart-workers",
		Priority: 2,
		Run: func(ctx context.Context, f Failure) error {
			order = append(order, "restart-workers")
			return nil
		},
	})
	s.RegisterAction("pipeline", Action{
		Name:     "flush-queues",
		Priority: 1,
		Run: func(ctx context.Context, f Failure) error {
			order = append(order, "flush-queues")
			return errors.New("still overflowing")
		},
	})

	s.Report("pipeline", "queue_overflow", "events dropped")
	s.recover(FailureKey{Component: "pipeline", Kind: "queue_overflow"})

	assert.Equal(t, []string{"flush-queues", "restart-workers"}, order)
	failures := s.Failures()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Resolved)
}

func TestExhaustedActionsTriggerGiveUp(t *testing.T) {
	var gaveUp []Failure
	s := NewSupervisor(Config{GiveUp: func(f Failure) { gaveUp = append(gaveUp, f) }}, nil)
	s.RegisterAction("database", Action{
		Name:        "reconnect",
		MaxAttempts: 2,
		Run:         func(ctx context.Context, f Failure) error { return errors.New("no route") },
	})

	key := FailureKey{Component: "database", Kind: "down"}
	s.Report("database", "down", "dead")
	s.recover(key) // attempt 1
	require.Empty(t, gaveUp)
	s.recover(key) // attempt 2
	require.Empty(t, gaveUp)
	s.recover(key) // attempts exhausted
	require.Len(t, gaveUp, 1)
	assert.Equal(t, key, gaveUp[0].Key)
}

func TestCooldownSkipsActionWithoutBurningAttempts(t *testing.T) {
	s := NewSupervisor(Config{}, nil)
	var runs int
	s.RegisterAction("database", Action{
		Name:        "reconnect",
		MaxAttempts: 3,
		Cooldown:    time.Hour,
		Run:         func(ctx context.Context, f Failure) error { runs++; return errors.New("nope") },
	})

	key := FailureKey{Component: "database", Kind: "down"}
	s.Report("database", "down", "dead")
	s.recover(key)
	s.recover(key) // inside cooldown, skipped
	assert.Equal(t, 1, runs)

	st := s.attempts[attemptKey{failure: key, action: "reconnect"}]
	assert.Equal(t, 1, st.count)
}

func TestResolvedFailureReopensFresh(t *testing.T) {
	s := NewSupervisor(Config{}, nil)
	var runs int
	s.RegisterAction("database", Action{
		Name:        "reconnect",
		MaxAttempts: 1,
		Run:         func(ctx context.Context, f Failure) error { runs++; return nil },
	})

	key := FailureKey{Component: "database", Kind: "down"}
	s.Report("database", "down", "first episode")
	s.recover(key)
	require.Equal(t, 1, runs)

	// The same failure returning later starts over: occurrences and
	// attempt budgets reset.
	s.Report("database", "down", "second episode")
	failures := s.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Occurrences)
	assert.False(t, failures[0].Resolved)

	s.recover(key)
	assert.Equal(t, 2, runs)
}

func TestHealthyReflectsActiveFailures(t *testing.T) {
	s := NewSupervisor(Config{UnstableLimit: 3}, nil)
	assert.True(t, s.Healthy())

	s.Report("a", "x", "")
	s.Report("b", "x", "")
	s.Report("c", "x", "")
	assert.True(t, s.Healthy())

	s.Report("d", "x", "")
	assert.False(t, s.Healthy())

	s.Resolve("d", "x")
	assert.True(t, s.Healthy())
}

func TestSweepResolvedHonorsRetention(t *testing.T) {
	s := NewSupervisor(Config{}, nil)
	s.Report("database", "down", "")
	s.Resolve("database", "down")

	s.sweepResolved()
	require.Len(t, s.Failures(), 1, "fresh resolved entries must survive")

	s.mu.Lock()
	f := s.failures[FailureKey{Component: "database", Kind: "down"}]
	f.ResolvedAt = time.Now().Add(-8 * 24 * time.Hour)
	s.mu.Unlock()

	s.sweepResolved()
	assert.Empty(t, s.Failures())
}

func TestWorkersRecoverReportedFailures(t *testing.T) {
	var mu sync.Mutex
	var runs int
	s := NewSupervisor(Config{MaxInFlight: 2}, nil)
	s.RegisterAction("listener", Action{
		Name:        "reopen",
		MaxAttempts: 3,
		Run: func(ctx context.Context, f Failure) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	})
	s.Start()
	defer s.Stop()

	s.Report("listener", "accept_failed", "EMFILE")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		failures := s.Failures()
		return len(failures) == 1 && failures[0].Resolved
	}, time.Second, 5*time.Millisecond)
}
