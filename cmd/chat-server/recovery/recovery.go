package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"go.uber.org/zap"
)

// FailureKey identifies a failure. Repeated reports of the same key update
// one registry entry instead of creating new ones.
type FailureKey struct {
	Component string `json:"component"`
	Kind      string `json:"kind"`
}

// Failure is one registry entry.
type Failure struct {
	Key         FailureKey `json:"key"`
	Detail      string     `json:"detail"`
	FirstSeen   time.Time  `json:"firstSeen"`
	LastSeen    time.Time  `json:"lastSeen"`
	Occurrences int        `json:"occurrences"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  time.Time  `json:"resolvedAt,omitempty"`
}

// Action is one recovery step for a component. Actions run in ascending
// Priority order; each is limited to MaxAttempts per failure with a
// Cooldown between runs.
type Action struct {
	Name        string
	Priority    int
	MaxAttempts int
	Cooldown    time.Duration
	Run         func(ctx context.Context, f Failure) error
}

type attemptKey struct {
	failure FailureKey
	action  string
}

type attemptState struct {
	count   int
	lastRun time.Time
}

// Config bounds the supervisor.
type Config struct {
	Threshold         int           // occurrences before recovery triggers
	MaxInFlight       int           // concurrent recoveries
	QueueSize         int           // pending recovery requests
	ActionTimeout     time.Duration // per action execution
	UnstableWindow    time.Duration // health lookback
	UnstableLimit     int           // active failures within the window
	ResolvedRetention time.Duration // resolved entries older than this are dropped

	// GiveUp fires when every action for a failure is exhausted. The
	// composition root exits the process from here.
	GiveUp func(f Failure)
}

// Supervisor watches reported failures and drives recovery actions.
// Recoveries for the same key never overlap; recoveries for different keys
// run in parallel up to MaxInFlight.
type Supervisor struct {
	cfg Config
	reg *metrics.Registry

	mu       sync.RWMutex
	failures map[FailureKey]*Failure
	actions  map[string][]Action
	attempts map[attemptKey]attemptState

	keyLocks *mapmutex.Mutex
	queue    chan FailureKey

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor builds a supervisor. Start launches its workers.
func NewSupervisor(cfg Config, reg *metrics.Registry) *Supervisor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	if cfg.UnstableWindow <= 0 {
		cfg.UnstableWindow = 5 * time.Minute
	}
	if cfg.UnstableLimit <= 0 {
		cfg.UnstableLimit = 3
	}
	if cfg.ResolvedRetention <= 0 {
		cfg.ResolvedRetention = 7 * 24 * time.Hour
	}
	return &Supervisor{
		cfg:      cfg,
		reg:      reg,
		failures: make(map[FailureKey]*Failure),
		actions:  make(map[string][]Action),
		attempts: make(map[attemptKey]attemptState),
		keyLocks: mapmutex.NewMapMutex(),
		queue:    make(chan FailureKey, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// RegisterAction adds a recovery action for a component. Actions are kept
// sorted by ascending priority.
func (s *Supervisor) RegisterAction(component string, a Action) {
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 3
	}
	s.mu.Lock()
	s.actions[component] = append(s.actions[component], a)
	sort.SliceStable(s.actions[component], func(i, j int) bool {
		return s.actions[component][i].Priority < s.actions[component][j].Priority
	})
	s.mu.Unlock()
}

// Report records a failure occurrence. Once the key's occurrence count
// reaches the threshold a recovery is queued.
func (s *Supervisor) Report(component string, kind string, detail string) {
	key := FailureKey{Component: component, Kind: kind}
	now := time.Now()

	s.mu.Lock()
	f, ok := s.failures[key]
	if !ok || f.Resolved {
		// a resolved failure coming back starts a fresh episode
		f = &Failure{Key: key, FirstSeen: now}
		s.failures[key] = f
		for ak := range s.attempts {
			if ak.failure == key {
				delete(s.attempts, ak)
			}
		}
	}
	f.Occurrences++
	f.LastSeen = now
	f.Detail = detail
	trigger := f.Occurrences >= s.cfg.Threshold
	s.mu.Unlock()

	if !trigger {
		return
	}
	select {
	case s.queue <- key:
	default:
		zap.S().Warnf("Recovery queue full, dropping request for %s/%s", component, kind)
		if s.reg != nil {
			s.reg.QueueOverflows.Inc()
		}
	}
}

// Resolve marks a failure as recovered from outside, e.g. when the
// component healed on its own.
func (s *Supervisor) Resolve(component string, kind string) {
	key := FailureKey{Component: component, Kind: kind}
	s.mu.Lock()
	if f, ok := s.failures[key]; ok && !f.Resolved {
		f.Resolved = true
		f.ResolvedAt = time.Now()
	}
	s.mu.Unlock()
}

// Start launches the recovery workers and the retention sweep.
func (s *Supervisor) Start() {
	for i := 0; i < s.cfg.MaxInFlight; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.retentionLoop()
}

// Stop halts the workers. In-flight recoveries finish.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Supervisor) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case key := <-s.queue:
			if !s.keyLocks.TryLock(key) {
				// another worker owns this key right now; its run will
				// observe the updated occurrence count
				continue
			}
			s.recover(key)
			s.keyLocks.Unlock(key)
		}
	}
}

// recover walks the component's actions in priority order until one
// succeeds or all are exhausted.
func (s *Supervisor) recover(key FailureKey) {
	s.mu.RLock()
	f, ok := s.failures[key]
	if !ok || f.Resolved {
		s.mu.RUnlock()
		return
	}
	failure := *f
	actions := make([]Action, len(s.actions[key.Component]))
	copy(actions, s.actions[key.Component])
	s.mu.RUnlock()

	if len(actions) == 0 {
		zap.S().Warnf("No recovery actions registered for component %s", key.Component)
		return
	}

	exhausted := 0
	for _, a := range actions {
		ak := attemptKey{failure: key, action: a.Name}

		s.mu.Lock()
		st := s.attempts[ak]
		if st.count >= a.MaxAttempts {
			exhausted++
			s.mu.Unlock()
			continue
		}
		if a.Cooldown > 0 && !st.lastRun.IsZero() && time.Since(st.lastRun) < a.Cooldown {
			s.mu.Unlock()
			continue
		}
		st.count++
		st.lastRun = time.Now()
		s.attempts[ak] = st
		s.mu.Unlock()

		if s.reg != nil {
			s.reg.RecoveriesTriggered.Inc()
		}
		zap.S().Infof("Running recovery %s for %s/%s (attempt %d/%d)",
			a.Name, key.Component, key.Kind, st.count, a.MaxAttempts)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ActionTimeout)
		err := a.Run(ctx, failure)
		cancel()
		if err == nil {
			s.Resolve(key.Component, key.Kind)
			zap.S().Infof("Recovery %s resolved %s/%s", a.Name, key.Component, key.Kind)
			return
		}
		zap.S().Warnf("Recovery %s for %s/%s failed: %s", a.Name, key.Component, key.Kind, err)
	}

	if exhausted == len(actions) {
		if s.reg != nil {
			s.reg.RecoveriesFailed.Inc()
		}
		zap.S().Errorf("All recovery actions exhausted for %s/%s", key.Component, key.Kind)
		if s.cfg.GiveUp != nil {
			s.cfg.GiveUp(failure)
		}
	}
}

func (s *Supervisor) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepResolved()
		}
	}
}

// sweepResolved drops resolved failures past the retention window so the
// registry cannot grow without bound.
func (s *Supervisor) sweepResolved() {
	cutoff := time.Now().Add(-s.cfg.ResolvedRetention)
	s.mu.Lock()
	for key, f := range s.failures {
		if f.Resolved && f.ResolvedAt.Before(cutoff) {
			delete(s.failures, key)
			for ak := range s.attempts {
				if ak.failure == key {
					delete(s.attempts, ak)
				}
			}
		}
	}
	s.mu.Unlock()
}

// Healthy reports whether the process looks stable: no more than the
// configured number of active failures seen within the lookback window.
func (s *Supervisor) Healthy() bool {
	cutoff := time.Now().Add(-s.cfg.UnstableWindow)
	active := 0
	s.mu.RLock()
	for _, f := range s.failures {
		if !f.Resolved && f.LastSeen.After(cutoff) {
			active++
		}
	}
	s.mu.RUnlock()
	return active <= s.cfg.UnstableLimit
}

// Failures snapshots the registry for the admin surface, newest first.
func (s *Supervisor) Failures() []Failure {
	s.mu.RLock()
	out := make([]Failure, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, *f)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}
