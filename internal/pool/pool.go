// Package pool mediates shared access to a bounded set of backend server
// connections. Idle connections are reused most-recently-released-first to
// keep caches warm; waiters are served strictly FIFO; unhealthy pools are
// banned for a cooldown instead of timing out every client.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgmux/pgmux/internal/wire"
)

// Outcome describes the state of a connection at release.
type Outcome int

const (
	// OutcomeClean means the connection is at the idle baseline.
	OutcomeClean Outcome = iota
	// OutcomeDirty means session state diverged; recovery runs before reuse.
	OutcomeDirty
	// OutcomeBroken means the connection is unusable and must be closed.
	OutcomeBroken
)

// Error kinds surfaced by Acquire and Release.
var (
	ErrBanned    = errors.New("pool banned")
	ErrTimeout   = errors.New("pool acquire timeout")
	ErrExhausted = errors.New("pool exhausted")
	ErrBroken    = errors.New("server connection broken")
	ErrClosed    = errors.New("pool closed")
)

// Options configures one pool.
type Options struct {
	Database string // logical database name
	Shard    int
	Role     string

	Host     string
	Port     int
	DBName   string // backend database name
	User     string
	Password string

	MaxConnections int
	MinConnections int
	ConnectTimeout time.Duration
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	MaxAge         time.Duration
	BanDuration    time.Duration

	HealthcheckInterval  time.Duration
	HealthcheckTimeout   time.Duration
	HealthcheckThreshold int

	// MeasureLag enables replication lag sampling on healthcheck probes.
	MeasureLag bool

	MaxFrameSize  int
	ResetQuery    string
	PreparedLimit int

	// StartupParameters are extra parameters sent in the backend startup
	// packet (from per-database config).
	StartupParameters map[string]string

	// Dial overrides the dialer; tests use it to hand the pool scripted
	// connections. The returned conn must already speak authenticated
	// protocol when SkipAuth is set.
	Dial     func(ctx context.Context) (net.Conn, error)
	SkipAuth bool
}

type waiter struct {
	ch chan *ServerConn // receives a conn, or nil = "capacity freed, retry"
}

// Pool owns the server connections for one backend address.
type Pool struct {
	opts Options

	mu      sync.Mutex
	idle    []*ServerConn // LIFO: last entry is most recently released
	leased  map[*ServerConn]struct{}
	open    int // idle + leased + dials in flight
	waiters []*waiter
	closed  bool

	bannedUntil time.Time
	banReason   string

	hcFailures int
	lagNanos   atomic.Int64

	leaseCount   atomic.Int64
	timeoutCount atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool and starts its background reaper and healthcheck
// loops.
func New(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 20
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ResetQuery == "" {
		opts.ResetQuery = "DISCARD ALL"
	}
	p := &Pool{
		opts:   opts,
		leased: make(map[*ServerConn]struct{}),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop()
	}()

	if opts.HealthcheckInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.healthcheckLoop()
		}()
	}

	return p
}

// Addr returns the backend host:port.
func (p *Pool) Addr() string {
	return net.JoinHostPort(p.opts.Host, strconv.Itoa(p.opts.Port))
}

// Shard returns the shard number this pool serves.
func (p *Pool) Shard() int { return p.opts.Shard }

// Role returns the configured role (primary/replica).
func (p *Pool) Role() string { return p.opts.Role }

// Database returns the logical database name.
func (p *Pool) Database() string { return p.opts.Database }

// Acquire leases a server connection. It returns an idle connection (most
// recently released first), opens a new one under the connection limit, or
// joins the FIFO waiter queue until the deadline.
func (p *Pool) Acquire(ctx context.Context) (*ServerConn, error) {
	deadline := time.Now().Add(p.opts.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if until := p.bannedUntil; time.Now().Before(until) {
			reason := p.banReason
			p.mu.Unlock()
			return nil, fmt.Errorf("%w (%s until %s)", ErrBanned, reason, until.Format(time.RFC3339))
		}

		// LIFO reuse of idle connections
		for n := len(p.idle); n > 0; n = len(p.idle) {
			sc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if p.expired(sc) {
				p.open--
				p.mu.Unlock()
				sc.Close()
				p.mu.Lock()
				continue
			}
			sc.state = ConnStateLeased
			sc.lastUsed = time.Now()
			p.leased[sc] = struct{}{}
			p.mu.Unlock()
			p.leaseCount.Add(1)
			return sc, nil
		}

		// Open a new connection under the limit
		if p.open < p.opts.MaxConnections {
			p.open++
			p.mu.Unlock()

			sc, err := p.connect(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.wakeOne(nil)
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			if p.closed {
				p.open--
				p.mu.Unlock()
				sc.Close()
				return nil, ErrClosed
			}
			sc.state = ConnStateLeased
			p.leased[sc] = struct{}{}
			p.mu.Unlock()
			p.leaseCount.Add(1)
			return sc, nil
		}

		// At capacity: join the FIFO waiter queue
		w := &waiter{ch: make(chan *ServerConn, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.removeWaiter(w)
			p.timeoutCount.Add(1)
			return nil, ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case sc := <-w.ch:
			timer.Stop()
			if sc == nil {
				continue // capacity freed or ban lifted; retry
			}
			p.mu.Lock()
			sc.state = ConnStateLeased
			sc.lastUsed = time.Now()
			p.leased[sc] = struct{}{}
			p.mu.Unlock()
			p.leaseCount.Add(1)
			return sc, nil
		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(w)
			p.drainHandoff(w)
			return nil, ctx.Err()
		case <-timer.C:
			p.removeWaiter(w)
			p.drainHandoff(w)
			p.timeoutCount.Add(1)
			return nil, ErrTimeout
		}
	}
}

// drainHandoff re-releases a connection that raced into a waiter's channel
// after the waiter gave up.
func (p *Pool) drainHandoff(w *waiter) {
	select {
	case sc := <-w.ch:
		if sc != nil {
			p.mu.Lock()
			p.leased[sc] = struct{}{}
			p.mu.Unlock()
			p.Release(sc, OutcomeClean)
		}
	default:
	}
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// wakeOne hands sc (or a retry signal when nil) to the first waiter.
// Caller holds p.mu. Returns false when no waiter took it.
func (p *Pool) wakeOne(sc *ServerConn) bool {
	if len(p.waiters) == 0 {
		return false
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.ch <- sc
	return true
}

// Release returns a leased connection with the given outcome. Dirty
// connections run best-effort recovery synchronously before rejoining the
// idle set; failures close the connection.
func (p *Pool) Release(sc *ServerConn, outcome Outcome) {
	p.mu.Lock()
	delete(p.leased, sc)
	closedPool := p.closed
	p.mu.Unlock()

	if outcome == OutcomeBroken || closedPool {
		p.discard(sc)
		return
	}

	if outcome == OutcomeDirty || sc.Dirty() || sc.TxStatus() != 'I' {
		if err := p.recover(sc); err != nil {
			slog.Debug("connection recovery failed, closing",
				"pool", p.Addr(), "err", err)
			p.discard(sc)
			return
		}
	}

	p.mu.Lock()
	if p.closed || p.expired(sc) {
		p.open--
		p.wakeOne(nil)
		p.mu.Unlock()
		sc.Close()
		return
	}
	sc.lastUsed = time.Now()
	if p.wakeOne(sc) {
		// handed directly to the first waiter; it re-registers as leased
		p.mu.Unlock()
		return
	}
	sc.state = ConnStateIdle
	p.idle = append(p.idle, sc)
	p.mu.Unlock()
}

// recover rolls back any open transaction and resets session state. The
// prepared-statement cache is invalidated because DISCARD ALL deallocates
// everything server-side.
func (p *Pool) recover(sc *ServerConn) error {
	sc.SetDeadline(time.Now().Add(5 * time.Second))
	defer sc.SetDeadline(time.Time{})

	// ROLLBACK runs alone first: DISCARD ALL refuses to run inside a
	// transaction block, including the implicit one of a multi-statement
	// simple query.
	if sc.TxStatus() != 'I' {
		if err := sc.Exec("ROLLBACK"); err != nil {
			return err
		}
	}
	// DISCARD ALL subsumes RESET ALL and must run outside any transaction
	// block, so it gets its own round.
	if err := sc.Exec(p.opts.ResetQuery); err != nil {
		return err
	}
	if sc.TxStatus() != 'I' {
		return fmt.Errorf("still in transaction after recovery (status %q)", sc.TxStatus())
	}
	sc.dirty = false
	sc.clearPrepared()
	return nil
}

func (p *Pool) discard(sc *ServerConn) {
	p.mu.Lock()
	p.open--
	p.wakeOne(nil)
	p.mu.Unlock()
	sc.Close()
}

func (p *Pool) expired(sc *ServerConn) bool {
	return p.opts.MaxAge > 0 && sc.Age() > p.opts.MaxAge
}

// Ban takes the pool out of service until the given time. New lease
// attempts fail fast; waiters are woken to observe the ban.
func (p *Pool) Ban(reason string, until time.Time) {
	p.mu.Lock()
	p.bannedUntil = until
	p.banReason = reason
	for len(p.waiters) > 0 {
		p.wakeOne(nil)
	}
	p.mu.Unlock()
	slog.Warn("pool banned", "pool", p.Addr(), "shard", p.opts.Shard,
		"role", p.opts.Role, "reason", reason, "until", until)
}

// Unban returns the pool to service.
func (p *Pool) Unban() {
	p.mu.Lock()
	wasBanned := time.Now().Before(p.bannedUntil)
	p.bannedUntil = time.Time{}
	p.banReason = ""
	p.mu.Unlock()
	if wasBanned {
		slog.Info("pool unbanned", "pool", p.Addr(), "shard", p.opts.Shard)
	}
}

// Banned reports whether the pool is currently out of service.
func (p *Pool) Banned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.bannedUntil)
}

// Lag returns the last measured replication lag.
func (p *Pool) Lag() time.Duration {
	return time.Duration(p.lagNanos.Load())
}

// InjectTestConn adds a pre-built ServerConn directly into the idle set,
// bypassing dial and authentication. Test use only.
func (p *Pool) InjectTestConn(sc *ServerConn) {
	sc.pool = p
	p.mu.Lock()
	sc.state = ConnStateIdle
	p.idle = append(p.idle, sc)
	p.open++
	p.mu.Unlock()
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Database    string    `json:"database"`
	Shard       int       `json:"shard"`
	Role        string    `json:"role"`
	Addr        string    `json:"addr"`
	Open        int       `json:"open"`
	Idle        int       `json:"idle"`
	InUse       int       `json:"in_use"`
	Waiters     int       `json:"waiters"`
	MaxConns    int       `json:"max_connections"`
	Banned      bool      `json:"banned"`
	BanReason   string    `json:"ban_reason,omitempty"`
	BannedUntil time.Time `json:"banned_until,omitempty"`
	Leases      int64     `json:"lease_total"`
	Timeouts    int64     `json:"timeout_total"`
	LagSeconds  float64   `json:"replication_lag_seconds,omitempty"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	banned := time.Now().Before(p.bannedUntil)
	s := Stats{
		Database: p.opts.Database,
		Shard:    p.opts.Shard,
		Role:     p.opts.Role,
		Addr:     p.Addr(),
		Open:     p.open,
		Idle:     len(p.idle),
		InUse:    len(p.leased),
		Waiters:  len(p.waiters),
		MaxConns: p.opts.MaxConnections,
		Banned:   banned,
		Leases:   p.leaseCount.Load(),
		Timeouts: p.timeoutCount.Load(),
	}
	if banned {
		s.BanReason = p.banReason
		s.BannedUntil = p.bannedUntil
	}
	if lag := p.Lag(); lag > 0 {
		s.LagSeconds = lag.Seconds()
	}
	return s
}

// Close shuts down the pool: background loops stop, idle connections close,
// waiters fail.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	for len(p.waiters) > 0 {
		p.wakeOne(nil)
	}
	p.mu.Unlock()

	for _, sc := range idle {
		// a backend that stops reading must not stall Close
		sc.SetDeadline(time.Now().Add(100 * time.Millisecond))
		sc.Send(wire.Terminate())
		sc.Close()
	}
	p.wg.Wait()
}

// CancelBackend opens a fresh connection to the backend and sends the
// cancel sub-protocol frame for (pid, secret).
func (p *Pool) CancelBackend(pid, secret uint32) error {
	d := net.Dialer{Timeout: p.opts.ConnectTimeout}
	conn, err := d.Dial("tcp", p.Addr())
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(wire.CancelFrame(pid, secret))
	return err
}

func (p *Pool) reapLoop() {
	if p.opts.IdleTimeout <= 0 && p.opts.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle closes idle connections past the idle timeout or max age,
// keeping MinConnections. Oldest (front of the LIFO slice) go first.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	var victims []*ServerConn
	kept := p.idle[:0]
	for _, sc := range p.idle {
		tooIdle := p.opts.IdleTimeout > 0 && sc.IdleFor() > p.opts.IdleTimeout
		if (tooIdle || p.expired(sc)) && p.open-len(victims) > p.opts.MinConnections {
			victims = append(victims, sc)
			continue
		}
		kept = append(kept, sc)
	}
	p.idle = kept
	p.open -= len(victims)
	p.mu.Unlock()

	for _, sc := range victims {
		sc.Close()
	}
	if len(victims) > 0 {
		slog.Debug("reaped idle connections", "pool", p.Addr(), "count", len(victims))
	}
}
