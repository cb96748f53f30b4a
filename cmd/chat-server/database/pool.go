package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"github.com/secure-chat-hub/secure-chat-hub/internal"
	"go.uber.org/zap"
)

var (
	ErrCheckoutTimeout = errors.New("database checkout timed out")
	ErrPoolClosed      = errors.New("database pool closed")
)

// Role routes a statement to its pool. Reads and writes never compete for
// the same connections.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
)

// Querier is the slice of *pgx.Conn the pool manages. Splitting it out
// keeps the pool testable without a running Postgres.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector dials one database connection.
type Connector func(ctx context.Context) (Querier, error)

// Config bounds the pool.
type Config struct {
	DSN             string
	ReadPoolSize    int
	WritePoolSize   int
	MinIdle         int
	CheckoutTimeout time.Duration
	IdleTimeout     time.Duration
	HealthInterval  time.Duration

	// Connector overrides the pgx dialer, for tests.
	Connector Connector
}

type pooled struct {
	conn     Querier
	lastUsed time.Time
}

// rolePool is one bounded set of connections. Checkout hands out an idle
// connection, dials while below capacity, and otherwise queues the caller
// in FIFO order behind a timeout.
type rolePool struct {
	role     Role
	capacity int
	minIdle  int
	dial     Connector
	reg      *metrics.Registry

	mu      sync.Mutex
	idle    []*pooled
	open    int
	waiters []chan *pooled
	closed  bool
}

func newRolePool(role Role, capacity int, minIdle int, dial Connector, reg *metrics.Registry) *rolePool {
	if capacity <= 0 {
		capacity = 4
	}
	if minIdle < 0 || minIdle > capacity {
		minIdle = 1
	}
	return &rolePool{
		role:     role,
		capacity: capacity,
		minIdle:  minIdle,
		dial:     dial,
		reg:      reg,
	}
}

func (p *rolePool) updateGauges() {
	if p.reg == nil {
		return
	}
	p.reg.PoolSize.WithLabelValues(string(p.role), "idle").Set(float64(len(p.idle)))
	p.reg.PoolSize.WithLabelValues(string(p.role), "open").Set(float64(p.open))
}

func (p *rolePool) checkout(ctx context.Context, timeout time.Duration) (*pooled, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.updateGauges()
		p.mu.Unlock()
		return pc, nil
	}
	if p.open < p.capacity {
		p.open++
		p.updateGauges()
		p.mu.Unlock()
		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.updateGauges()
			p.mu.Unlock()
			return nil, err
		}
		return &pooled{conn: conn, lastUsed: time.Now()}, nil
	}

	ch := make(chan *pooled, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pc := <-ch:
		if pc == nil {
			// close() woke the waiters up
			return nil, ErrPoolClosed
		}
		return pc, nil
	case <-ctx.Done():
		return nil, p.abandonWait(ch, ctx.Err())
	case <-timer.C:
		if p.reg != nil {
			p.reg.DbCheckoutTimeouts.Inc()
		}
		return nil, p.abandonWait(ch, ErrCheckoutTimeout)
	}
}

// abandonWait removes ch from the waiter list. A release may already have
// handed a connection over; that one is put back rather than leaked.
func (p *rolePool) abandonWait(ch chan *pooled, cause error) error {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case pc := <-ch:
		p.release(pc, false)
	default:
	}
	return cause
}

func (p *rolePool) release(pc *pooled, broken bool) {
	p.mu.Lock()
	if broken || p.closed {
		p.open--
		p.updateGauges()
		p.mu.Unlock()
		_ = pc.conn.Close(context.Background())
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- pc
		return
	}
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.updateGauges()
	p.mu.Unlock()
}

// sweepIdle closes connections idle longer than maxIdle, keeping at least
// minIdle connections open.
func (p *rolePool) sweepIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	var victims []*pooled

	p.mu.Lock()
	for len(p.idle) > 0 && p.open > p.minIdle {
		pc := p.idle[0]
		if pc.lastUsed.After(cutoff) {
			break
		}
		p.idle = p.idle[1:]
		p.open--
		victims = append(victims, pc)
	}
	p.updateGauges()
	p.mu.Unlock()

	for _, pc := range victims {
		_ = pc.conn.Close(context.Background())
	}
}

// checkHealth pings every idle connection. A dead connection is closed and
// redialed once with backoff; if the redial fails too the pool shrinks and
// the failure is reported.
func (p *rolePool) checkHealth(onFailure func(Role, error)) {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := pc.conn.Ping(ctx)
		cancel()
		if err == nil {
			p.release(pc, false)
			continue
		}
		zap.S().Warnf("Dead %s connection detected: %s", p.role, err)
		p.release(pc, true)

		internal.SleepBackoff(1, 100*time.Millisecond, time.Second)
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, dialErr := p.dial(dialCtx)
		dialCancel()
		if dialErr != nil {
			zap.S().Errorf("Reconnect for %s pool failed: %s", p.role, dialErr)
			if onFailure != nil {
				onFailure(p.role, dialErr)
			}
			continue
		}
		p.mu.Lock()
		p.open++
		p.mu.Unlock()
		p.release(&pooled{conn: conn, lastUsed: time.Now()}, false)
	}
}

func (p *rolePool) close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.updateGauges()
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, pc := range idle {
		_ = pc.conn.Close(context.Background())
	}
}

// Pool is the two-role connection pool. Reads route to the read pool,
// writes and transactions to the write pool.
type Pool struct {
	cfg   Config
	read  *rolePool
	write *rolePool
	reg   *metrics.Registry

	failMu    sync.Mutex
	onFailure func(Role, error)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds the pool. Connections are dialed lazily on first
// checkout.
func NewPool(cfg Config, reg *metrics.Registry) *Pool {
	if cfg.ReadPoolSize <= 0 {
		cfg.ReadPoolSize = 8
	}
	if cfg.WritePoolSize <= 0 {
		cfg.WritePoolSize = 4
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	dial := cfg.Connector
	if dial == nil {
		dsn := cfg.DSN
		dial = func(ctx context.Context) (Querier, error) {
			return pgx.Connect(ctx, dsn)
		}
	}
	p := &Pool{
		cfg:   cfg,
		read:  newRolePool(RoleRead, cfg.ReadPoolSize, cfg.MinIdle, dial, reg),
		write: newRolePool(RoleWrite, cfg.WritePoolSize, cfg.MinIdle, dial, reg),
		reg:   reg,
		stop:  make(chan struct{}),
	}
	return p
}

// OnFailure registers the callback invoked when a reconnect attempt fails.
func (p *Pool) OnFailure(fn func(Role, error)) {
	p.failMu.Lock()
	p.onFailure = fn
	p.failMu.Unlock()
}

func (p *Pool) failureHook() func(Role, error) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.onFailure
}

// Start launches the health and idle-sweep loops.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		health := time.NewTicker(p.cfg.HealthInterval)
		sweep := time.NewTicker(time.Minute)
		defer health.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-health.C:
				hook := p.failureHook()
				p.read.checkHealth(hook)
				p.write.checkHealth(hook)
			case <-sweep.C:
				p.read.sweepIdle(p.cfg.IdleTimeout)
				p.write.sweepIdle(p.cfg.IdleTimeout)
			}
		}
	}()
}

// Ping checks out one connection per role and pings it.
func (p *Pool) Ping(ctx context.Context) error {
	for _, rp := range []*rolePool{p.write, p.read} {
		pc, err := rp.checkout(ctx, p.cfg.CheckoutTimeout)
		if err != nil {
			return err
		}
		err = pc.conn.Ping(ctx)
		rp.release(pc, err != nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// Exec runs a write statement and returns the affected row count.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	pc, err := p.write.checkout(ctx, p.cfg.CheckoutTimeout)
	if err != nil {
		return 0, err
	}
	tag, err := pc.conn.Exec(ctx, sql, args...)
	p.write.release(pc, isConnDead(err))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query runs a read statement and hands the rows to fn. The connection
// stays checked out until fn returns; fn must not retain the rows.
func (p *Pool) Query(ctx context.Context, fn func(pgx.Rows) error, sql string, args ...any) error {
	pc, err := p.read.checkout(ctx, p.cfg.CheckoutTimeout)
	if err != nil {
		return err
	}
	rows, err := pc.conn.Query(ctx, sql, args...)
	if err != nil {
		p.read.release(pc, isConnDead(err))
		return err
	}
	fnErr := fn(rows)
	rows.Close()
	rowsErr := rows.Err()
	p.read.release(pc, isConnDead(rowsErr))
	if fnErr != nil {
		return fnErr
	}
	return rowsErr
}

// QueryRow runs a single-row read and scans it into dest.
func (p *Pool) QueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	pc, err := p.read.checkout(ctx, p.cfg.CheckoutTimeout)
	if err != nil {
		return err
	}
	err = pc.conn.QueryRow(ctx, sql, args...).Scan(dest...)
	p.read.release(pc, isConnDead(err))
	return err
}

// Close shuts both pools down. Checked-out connections are closed by their
// holders on release.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	p.read.close()
	p.write.close()
}
