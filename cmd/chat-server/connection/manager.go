package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"go.uber.org/zap"
)

var (
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	ErrNotConnected     = errors.New("connection not in a writable state")
	ErrNotFound         = errors.New("connection not found")
	ErrIllegalState     = errors.New("illegal state transition")
	ErrWriteQueueFull   = errors.New("write queue full")
)

// SessionIssuer is the slice of the session store the manager needs for the
// authenticate path.
type SessionIssuer interface {
	Issue(userID uint64) (token string, err error)
	Revoke(token string)
}

// Event is a lifecycle notification published to subscribers. Callbacks run
// on the caller's goroutine; subscribers hop executors themselves if they
// need to.
type Event struct {
	ConnectionID uint64
	UserID       uint64
	State        State
	Reason       DisconnectReason
}

// Config bounds the manager.
type Config struct {
	MaxConnections int
	WriteQueueSize int
	IdleTimeout    time.Duration
}

// Manager owns every live connection and all derived indexes. Lookups go
// through a read-mostly RWMutex; state transitions are CAS on the
// connection itself so readers never block writers on the hot path.
type Manager struct {
	cfg      Config
	sessions SessionIssuer
	reg      *metrics.Registry

	mu      sync.RWMutex
	byID    map[uint64]*Conn
	bySock  map[net.Conn]uint64
	byUser  map[uint64]uint64
	byToken map[string]uint64

	nextID        atomic.Uint64
	authenticated atomic.Int64

	subMu       sync.Mutex
	subscribers map[string]func(Event)

	sweepStop chan struct{}
	sweepOnce sync.Once
	shutOnce  sync.Once
}

// NewManager wires a manager; sessions may be nil in tests that never
// authenticate.
func NewManager(cfg Config, sessions SessionIssuer, reg *metrics.Registry) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Manager{
		cfg:         cfg,
		sessions:    sessions,
		reg:         reg,
		byID:        make(map[uint64]*Conn),
		bySock:      make(map[net.Conn]uint64),
		byUser:      make(map[uint64]uint64),
		byToken:     make(map[string]uint64),
		subscribers: make(map[string]func(Event)),
		sweepStop:   make(chan struct{}),
	}
}

// Subscribe registers a lifecycle callback under a token; Unsubscribe with
// the same token removes it.
func (m *Manager) Subscribe(token string, fn func(Event)) {
	m.subMu.Lock()
	m.subscribers[token] = fn
	m.subMu.Unlock()
}

// Unsubscribe removes a lifecycle callback. Unknown tokens are a no-op.
func (m *Manager) Unsubscribe(token string) {
	m.subMu.Lock()
	delete(m.subscribers, token)
	m.subMu.Unlock()
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	fns := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Add admits a freshly accepted socket. The connection starts in Connecting
// and is indexed by id and socket. At capacity the socket is closed and
// ErrCapacityExceeded returned.
func (m *Manager) Add(sock net.Conn) (*Conn, error) {
	m.mu.Lock()
	if len(m.byID) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		_ = sock.Close()
		zap.S().Warnf("Connection refused, capacity %d reached", m.cfg.MaxConnections)
		return nil, ErrCapacityExceeded
	}
	id := m.nextID.Add(1)
	c := newConn(id, sock, m.cfg.WriteQueueSize)
	c.onWriteError = func(id uint64) {
		m.Fail(id, ReasonSocketError)
	}
	if m.reg != nil {
		c.onFrameOut = func(n int) {
			m.reg.FramesOut.Inc()
			m.reg.BytesOut.Add(float64(n))
		}
	}
	m.byID[id] = c
	m.bySock[sock] = id
	m.mu.Unlock()

	if m.reg != nil {
		m.reg.ConnectionsTotal.Inc()
		m.reg.ConnectionsActive.Inc()
	}
	c.startWriter()
	return c, nil
}

// Get looks a connection up by id.
func (m *Manager) Get(id uint64) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// GetBySocket resolves a socket back to its connection.
func (m *Manager) GetBySocket(sock net.Conn) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySock[sock]
	if !ok {
		return nil, false
	}
	c, ok := m.byID[id]
	return c, ok
}

// GetByUser resolves an authenticated user to their connection.
func (m *Manager) GetByUser(userID uint64) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	c, ok := m.byID[id]
	return c, ok
}

// GetByToken resolves a session token to its connection.
func (m *Manager) GetByToken(token string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, false
	}
	c, ok := m.byID[id]
	return c, ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// AuthenticatedCount returns the number of authenticated connections.
func (m *Manager) AuthenticatedCount() int {
	return int(m.authenticated.Load())
}

// Touch refreshes a connection's idle timer.
func (m *Manager) Touch(id uint64) {
	if c, ok := m.Get(id); ok {
		c.Touch()
	}
}

// Transition applies a compare-and-swap state change by id.
func (m *Manager) Transition(id uint64, from State, to State) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	if !c.cas(from, to) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrIllegalState, from, to, c.State())
	}
	return nil
}

// Authenticate moves Connected→Authenticated, issues a session token and
// installs the user/token indexes. A prior connection for the same user is
// evicted first (SupersededByNewLogin), under the same write lock, so at no
// instant do two connections map to one user.
func (m *Manager) Authenticate(id uint64, userID uint64) (token string, err error) {
	if userID == 0 {
		return "", errors.New("user id must be non-zero")
	}
	c, ok := m.Get(id)
	if !ok {
		return "", ErrNotFound
	}

	token, err = m.sessions.Issue(userID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	var evicted *Conn
	if priorID, exists := m.byUser[userID]; exists && priorID != id {
		evicted = m.byID[priorID]
	}
	if evicted != nil {
		m.teardownLocked(evicted)
	}
	if !c.cas(StateConnected, StateAuthenticated) {
		m.mu.Unlock()
		m.sessions.Revoke(token)
		return "", fmt.Errorf("%w: authenticate in state %s", ErrIllegalState, c.State())
	}
	c.setSession(userID, token)
	m.byUser[userID] = id
	m.byToken[token] = id
	m.mu.Unlock()

	m.authenticated.Add(1)
	if m.reg != nil {
		m.reg.ConnectionsAuthenticated.Inc()
	}
	if evicted != nil {
		m.finishTeardown(evicted, ReasonSupersededByNewLogin)
	}
	return token, nil
}

// teardownLocked removes a connection from every index. Caller holds the
// write lock; socket close and notification happen in finishTeardown so no
// callback ever runs under the lock.
func (m *Manager) teardownLocked(c *Conn) {
	delete(m.byID, c.id)
	delete(m.bySock, c.sock)
	if uid := c.UserID(); uid != 0 && m.byUser[uid] == c.id {
		delete(m.byUser, uid)
	}
	if tok := c.SessionToken(); tok != "" && m.byToken[tok] == c.id {
		delete(m.byToken, tok)
	}
}

func (m *Manager) finishTeardown(c *Conn, reason DisconnectReason) {
	// The user id, not the state, decides the authenticated accounting:
	// Fail forces the state to Error before teardown runs.
	wasAuthenticated := c.UserID() != 0
	for {
		cur := c.State()
		if cur == StateDisconnected {
			break
		}
		var next State
		switch cur {
		case StateError, StateDisconnecting:
			next = StateDisconnected
		case StateConnected, StateAuthenticated:
			next = StateDisconnecting
		default:
			next = StateError
		}
		c.state.CompareAndSwap(uint32(cur), uint32(next))
	}
	if tok := c.SessionToken(); tok != "" && m.sessions != nil {
		m.sessions.Revoke(tok)
	}
	c.closeSocket()
	if wasAuthenticated {
		m.authenticated.Add(-1)
		if m.reg != nil {
			m.reg.ConnectionsAuthenticated.Dec()
		}
	}
	if m.reg != nil {
		m.reg.ConnectionsActive.Dec()
	}
	zap.S().Debugf("Connection %d removed: %s", c.id, reason)
	m.publish(Event{
		ConnectionID: c.id,
		UserID:       c.UserID(),
		State:        StateDisconnected,
		Reason:       reason,
	})
}

// Remove tears a connection down: indexes cleared, socket closed,
// subscribers notified. Removing an unknown or already-removed id is a
// no-op, remove(remove(id)) == remove(id).
func (m *Manager) Remove(id uint64, reason DisconnectReason) {
	m.mu.Lock()
	c, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(c)
	m.mu.Unlock()
	m.finishTeardown(c, reason)
}

// Fail marks a connection's socket error fatal: Error state, then removal.
func (m *Manager) Fail(id uint64, reason DisconnectReason) {
	if c, ok := m.Get(id); ok {
		c.forceError()
	}
	m.Remove(id, reason)
}

// Send appends a frame to the connection's write queue. Only Connected and
// Authenticated states are writable.
func (m *Manager) Send(id uint64, frame []byte) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	s := c.State()
	if s != StateConnected && s != StateAuthenticated {
		return fmt.Errorf("%w: state %s", ErrNotConnected, s)
	}
	if !c.enqueueFrame(frame) {
		if m.reg != nil {
			m.reg.QueueOverflows.Inc()
		}
		return ErrWriteQueueFull
	}
	return nil
}

// Broadcast sends a frame to every connection matching filter (nil matches
// all writable connections). Iteration runs over a point-in-time snapshot;
// connections removed mid-broadcast are skipped silently. Returns the
// number of successful enqueues.
func (m *Manager) Broadcast(frame []byte, filter func(*Conn) bool) int {
	m.mu.RLock()
	snapshot := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range snapshot {
		if filter != nil && !filter(c) {
			continue
		}
		if err := m.Send(c.id, frame); err == nil {
			sent++
		}
	}
	return sent
}

// Authenticated is a broadcast filter matching authenticated connections.
func Authenticated(c *Conn) bool {
	return c.State() == StateAuthenticated
}

// ToUsers builds a broadcast filter matching a set of user ids.
func ToUsers(userIDs ...uint64) func(*Conn) bool {
	set := make(map[uint64]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	return func(c *Conn) bool {
		_, ok := set[c.UserID()]
		return ok
	}
}

// StartIdleSweeper evicts connections idle beyond the configured timeout.
func (m *Manager) StartIdleSweeper() {
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-m.sweepStop:
					return
				case <-ticker.C:
					m.sweepIdle()
				}
			}
		}()
	})
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	m.mu.RLock()
	var idle []uint64
	for id, c := range m.byID {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range idle {
		zap.S().Infof("Evicting idle connection %d", id)
		m.Remove(id, ReasonIdleTimeout)
	}
}

// Shutdown closes every connection and stops the sweeper. Idempotent.
func (m *Manager) Shutdown() {
	m.shutOnce.Do(func() {
		close(m.sweepStop)
	})
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	for _, c := range conns {
		m.teardownLocked(c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.finishTeardown(c, ReasonServerShutdown)
	}
}

// Snapshot lists per-connection stats for the admin surface.
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c.Stats())
	}
	return out
}
