// Package pool manages a bounded set of engine handles with FIFO fairness
// for waiters, probe-on-release and a background health sweep.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"storekeeper/internal/engine"
	"storekeeper/internal/logging"
	"storekeeper/internal/metrics"
)

const component = "pool"

// sweepParallelism bounds concurrent probes during a health sweep.
const sweepParallelism = 4

// Dialer opens new engine handles. *engine.Engine satisfies it.
type Dialer interface {
	Dial(ctx context.Context) (*engine.Handle, error)
}

// HealthProbe reports whether a connection is still usable.
type HealthProbe func(ctx context.Context, c *Connection) error

// PingProbe is the default probe: a driver ping plus SELECT 1.
func PingProbe(ctx context.Context, c *Connection) error {
	return c.handle.PingContext(ctx)
}

// Config controls pool sizing and timing.
type Config struct {
	MinConnections      int           `mapstructure:"min_connections" yaml:"min_connections"`
	MaxConnections      int           `mapstructure:"max_connections" yaml:"max_connections"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MinConnections:      1,
		MaxConnections:      4,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        2 * time.Second,
	}
}

// Validate checks the sizing invariants.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections))
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		errs = append(errs, fmt.Errorf("min_connections must be between 0 and max_connections (%d), got %d", c.MaxConnections, c.MinConnections))
	}
	if c.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("acquire_timeout must be positive"))
	}
	if c.IdleTimeout < 0 || c.HealthCheckInterval < 0 || c.ProbeTimeout < 0 {
		errs = append(errs, errors.New("idle_timeout, health_check_interval and probe_timeout cannot be negative"))
	}
	return errors.Join(errs...)
}

// Stats is a snapshot of pool occupancy and lifetime counters.
type Stats struct {
	Open      int   `json:"open" yaml:"open"`
	Active    int   `json:"active" yaml:"active"`
	Idle      int   `json:"idle" yaml:"idle"`
	Waiting   int   `json:"waiting" yaml:"waiting"`
	Hits      int64 `json:"hits" yaml:"hits"`
	Misses    int64 `json:"misses" yaml:"misses"`
	Timeouts  int64 `json:"timeouts" yaml:"timeouts"`
	Evictions int64 `json:"evictions" yaml:"evictions"`
	Created   int64 `json:"created" yaml:"created"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the component logger.
func WithLogger(l logging.ComponentLogger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.PoolMetrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithHealthProbe replaces PingProbe.
func WithHealthProbe(probe HealthProbe) Option {
	return func(p *Pool) {
		if probe != nil {
			p.probe = probe
		}
	}
}

// WithClock overrides time.Now for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// waiter is a queued Acquire. It is served either a connection or, when
// slot is set, a reserved dial slot already counted in Pool.dialing.
type waiter struct {
	ch     chan *Connection
	elem   *list.Element
	served bool
	slot   bool
}

// Pool hands out Connections. Acquire and Release are safe for concurrent use.
type Pool struct {
	cfg     Config
	dialer  Dialer
	probe   HealthProbe
	logger  logging.ComponentLogger
	metrics *metrics.PoolMetrics
	now     func() time.Time

	mu       sync.Mutex
	conns    map[string]*Connection
	checking map[string]bool
	idle     []*Connection
	waiters  *list.List
	dialing  int
	closed   bool
	stats    Stats

	maint sync.RWMutex
	stop  chan struct{}
	done  chan struct{}
}

// New builds a pool, opens MinConnections eagerly and starts the health
// sweep when HealthCheckInterval is positive.
func New(ctx context.Context, cfg Config, dialer Dialer, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if dialer == nil {
		return nil, errors.New("pool requires a dialer")
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}

	p := &Pool{
		cfg:      cfg,
		dialer:   dialer,
		probe:    PingProbe,
		logger:   logging.Nop(),
		now:      time.Now,
		conns:    make(map[string]*Connection),
		checking: make(map[string]bool),
		waiters:  list.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.MinConnections; i++ {
		c, err := p.open(ctx)
		if err != nil {
			for _, opened := range p.idle {
				_ = opened.handle.Close()
			}
			return nil, fmt.Errorf("warm pool: %w", err)
		}
		p.mu.Lock()
		p.conns[c.id] = c
		p.stats.Created++
		p.handoffLocked(c)
		p.mu.Unlock()
	}

	if cfg.HealthCheckInterval > 0 {
		go p.maintain(cfg.HealthCheckInterval)
	} else {
		close(p.done)
	}

	p.logger.Info(component, "new", "connection pool ready", logging.Fields{
		"min_connections": cfg.MinConnections,
		"max_connections": cfg.MaxConnections,
	})
	return p, nil
}

// Acquire returns a connection held exclusively by the caller until Release.
// It fails with *ConnectionTimeoutError after AcquireTimeout, or with
// ctx.Err() if ctx ends first. There are no internal retries.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if c := p.popIdleLocked(); c != nil {
		c.lastUsedAt = p.now()
		p.stats.Hits++
		p.publishLocked()
		p.mu.Unlock()
		p.metrics.ObserveAcquire("hit", time.Since(start))
		return c, nil
	}

	if len(p.conns)+p.dialing < p.cfg.MaxConnections {
		p.dialing++
		p.mu.Unlock()
		return p.dialReserved(ctx, start)
	}

	w := &waiter{ch: make(chan *Connection, 1)}
	w.elem = p.waiters.PushBack(w)
	p.publishLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case c := <-w.ch:
		if c != nil {
			p.metrics.ObserveAcquire("hit", time.Since(start))
			return c, nil
		}
		if w.slot {
			return p.dialReserved(ctx, start)
		}
		return nil, ErrPoolClosed
	case <-timer.C:
		waited := time.Since(start)
		p.abandon(w, true)
		p.metrics.ObserveAcquire("timeout", waited)
		return nil, &ConnectionTimeoutError{Waited: waited, MaxConnections: p.cfg.MaxConnections}
	case <-ctx.Done():
		p.abandon(w, false)
		p.metrics.ObserveAcquire("error", time.Since(start))
		return nil, ctx.Err()
	}
}

// dialReserved opens a connection for a caller whose slot is already
// counted in p.dialing. The dial shares the caller's AcquireTimeout budget.
func (p *Pool) dialReserved(ctx context.Context, start time.Time) (*Connection, error) {
	dctx, cancel := context.WithDeadline(ctx, start.Add(p.cfg.AcquireTimeout))
	c, err := p.open(dctx)
	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	p.mu.Lock()
	p.dialing--
	if err != nil {
		if timedOut {
			p.stats.Timeouts++
		}
		p.grantSlotsLocked()
		p.publishLocked()
		p.mu.Unlock()

		waited := time.Since(start)
		switch {
		case timedOut:
			p.metrics.ObserveAcquire("timeout", waited)
			return nil, &ConnectionTimeoutError{Waited: waited, MaxConnections: p.cfg.MaxConnections}
		case ctx.Err() != nil:
			p.metrics.ObserveAcquire("error", waited)
			return nil, ctx.Err()
		}
		p.metrics.ObserveAcquire("error", waited)
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = c.handle.Close()
		return nil, ErrPoolClosed
	}
	p.conns[c.id] = c
	p.stats.Misses++
	p.stats.Created++
	p.publishLocked()
	p.mu.Unlock()
	p.metrics.ObserveAcquire("miss", time.Since(start))
	return c, nil
}

// abandon removes a waiter that gave up. If a connection was handed over
// in the meantime it goes to the next waiter or back to idle.
func (p *Pool) abandon(w *waiter, timedOut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if timedOut {
		p.stats.Timeouts++
	}
	if !w.served {
		p.waiters.Remove(w.elem)
		p.publishLocked()
		return
	}
	c := <-w.ch
	if c == nil && w.slot {
		p.dialing--
		p.grantSlotsLocked()
	}
	if c != nil {
		if p.closed {
			delete(p.conns, c.id)
			go func() { _ = c.handle.Close() }()
			return
		}
		p.handoffLocked(c)
	}
	p.publishLocked()
}

// Release hands a connection back. It is probed first: healthy connections
// go to the oldest waiter or back to idle, unhealthy ones are closed and
// replaced if the pool dropped below MinConnections. Probe failures are
// logged, never returned.
func (p *Pool) Release(c *Connection) {
	if c == nil {
		return
	}

	p.mu.Lock()
	owned, ok := p.conns[c.id]
	if !ok || owned != c || c.available || p.checking[c.id] {
		p.mu.Unlock()
		p.logger.Warn(component, "release", "ignoring release of a connection not held by a caller", logging.Fields{
			"connection_id": c.id,
		})
		return
	}
	p.checking[c.id] = true
	p.mu.Unlock()

	probeErr := p.runProbe(c)

	p.mu.Lock()
	delete(p.checking, c.id)
	c.lastUsedAt = p.now()

	if p.closed {
		delete(p.conns, c.id)
		p.mu.Unlock()
		p.closeConn(c, "closed")
		return
	}

	if probeErr == nil {
		c.healthy = true
		p.handoffLocked(c)
		p.publishLocked()
		p.mu.Unlock()
		return
	}

	c.healthy = false
	delete(p.conns, c.id)
	p.stats.Evictions++
	need := p.replacementsNeededLocked()
	p.dialing += need
	p.publishLocked()
	p.mu.Unlock()

	p.logger.Warn(component, "release", "connection failed health probe, evicting", logging.Fields{
		"connection_id": c.id,
		"error":         probeErr.Error(),
	})
	p.closeConn(c, "unhealthy")
	p.replenish(need)
}

// Sweep probes every idle connection, evicts failures and connections idle
// longer than IdleTimeout (never below MinConnections), then refills the
// pool to MinConnections. It is skipped while maintenance is held.
func (p *Pool) Sweep(ctx context.Context) {
	if !p.maint.TryLock() {
		p.logger.Debug(component, "sweep", "maintenance held, skipping health sweep", nil)
		return
	}
	defer p.maint.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	candidates := p.idle
	p.idle = nil
	for _, c := range candidates {
		c.available = false
		p.checking[c.id] = true
	}
	p.mu.Unlock()

	results := make([]error, len(candidates))
	var g errgroup.Group
	g.SetLimit(sweepParallelism)
	for i, c := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			results[i] = p.runProbe(c)
			return nil
		})
	}
	_ = g.Wait()

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].lastUsedAt.Before(candidates[order[b]].lastUsedAt)
	})

	type eviction struct {
		c      *Connection
		reason string
		err    error
	}
	var evicted []eviction

	p.mu.Lock()
	now := p.now()
	for _, i := range order {
		c, probeErr := candidates[i], results[i]
		delete(p.checking, c.id)
		switch {
		case p.closed:
			delete(p.conns, c.id)
			evicted = append(evicted, eviction{c: c, reason: "closed"})
		case probeErr != nil:
			c.healthy = false
			delete(p.conns, c.id)
			p.stats.Evictions++
			evicted = append(evicted, eviction{c: c, reason: "unhealthy", err: probeErr})
		case p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout &&
			len(p.conns)+p.dialing > p.cfg.MinConnections:
			delete(p.conns, c.id)
			p.stats.Evictions++
			evicted = append(evicted, eviction{c: c, reason: "idle"})
		default:
			c.healthy = true
			p.handoffLocked(c)
		}
	}
	need := 0
	if !p.closed {
		need = p.replacementsNeededLocked()
		p.dialing += need
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, e := range evicted {
		fields := logging.Fields{"connection_id": e.c.id, "reason": e.reason}
		if e.err != nil {
			fields["error"] = e.err.Error()
		}
		p.logger.Debug(component, "sweep", "evicting connection", fields)
		p.closeConn(e.c, e.reason)
	}
	p.replenish(need)
}

// HoldMaintenance blocks health sweeps until the returned func is called.
// Holds are shared; backup export and restore take one for their duration.
func (p *Pool) HoldMaintenance() func() {
	p.maint.RLock()
	return sync.OnceFunc(p.maint.RUnlock)
}

// Stats returns current occupancy and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Open, s.Active, s.Idle, s.Waiting = p.occupancyLocked()
	return s
}

// Connections lists bookkeeping for every open connection.
func (p *Pool) Connections() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		infos = append(infos, ConnectionInfo{
			ID:         c.id,
			Available:  c.available,
			Healthy:    c.healthy,
			CreatedAt:  c.createdAt,
			LastUsedAt: c.lastUsedAt,
			Queries:    c.Queries(),
			Errors:     c.Errors(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Close stops the sweep, fails queued waiters with ErrPoolClosed and closes
// idle connections. Connections still held are closed on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.served = true
		w.ch <- nil
	}
	p.waiters.Init()
	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		delete(p.conns, c.id)
	}
	p.publishLocked()
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	var errs []error
	for _, c := range idle {
		if err := c.handle.Close(); err != nil {
			errs = append(errs, err)
		}
		p.metrics.ObserveEviction("closed")
	}
	p.logger.Info(component, "close", "connection pool closed", logging.Fields{"closed_idle": len(idle)})
	return errors.Join(errs...)
}

func (p *Pool) maintain(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep(context.Background())
		}
	}
}

func (p *Pool) open(ctx context.Context) (*Connection, error) {
	h, err := p.dialer.Dial(ctx)
	if err != nil {
		p.logger.Error(component, "dial", "failed to open connection", logging.Fields{"error": err.Error()})
		return nil, &ConnectionUnhealthyError{Cause: err}
	}
	now := p.now()
	c := &Connection{
		id:         uuid.NewString(),
		handle:     h,
		createdAt:  now,
		lastUsedAt: now,
		healthy:    true,
	}
	if err := p.runProbe(c); err != nil {
		_ = h.Close()
		return nil, &ConnectionUnhealthyError{ConnectionID: c.id, Cause: err}
	}
	p.logger.Debug(component, "dial", "opened connection", logging.Fields{"connection_id": c.id})
	return c, nil
}

func (p *Pool) runProbe(c *Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()
	return p.probe(ctx, c)
}

// replenish dials n connections that were already counted in p.dialing.
func (p *Pool) replenish(n int) {
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		c, err := p.open(ctx)
		cancel()

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.grantSlotsLocked()
			p.publishLocked()
			p.mu.Unlock()
			p.logger.Warn(component, "replenish", "could not open replacement connection", logging.Fields{"error": err.Error()})
			continue
		}
		if p.closed {
			p.mu.Unlock()
			_ = c.handle.Close()
			continue
		}
		p.conns[c.id] = c
		p.stats.Created++
		p.handoffLocked(c)
		p.publishLocked()
		p.mu.Unlock()
	}
}

// replacementsNeededLocked is how many dials bring the pool back to
// MinConnections, or serve queued waiters while there is room.
func (p *Pool) replacementsNeededLocked() int {
	size := len(p.conns) + p.dialing
	room := p.cfg.MaxConnections - size
	if room <= 0 {
		return 0
	}
	need := p.cfg.MinConnections - size
	if w := p.waiters.Len(); w > need {
		need = w
	}
	if need > room {
		need = room
	}
	if need < 0 {
		return 0
	}
	return need
}

// grantSlotsLocked hands free dial slots to queued waiters so that a
// failed dial never strands a waiter while the pool has room.
func (p *Pool) grantSlotsLocked() {
	if p.closed {
		return
	}
	for p.waiters.Len() > 0 && len(p.conns)+p.dialing < p.cfg.MaxConnections {
		w := p.waiters.Remove(p.waiters.Front()).(*waiter)
		w.served = true
		w.slot = true
		p.dialing++
		w.ch <- nil
	}
}

// handoffLocked gives c to the oldest waiter, or parks it as idle.
func (p *Pool) handoffLocked(c *Connection) {
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		w.served = true
		c.available = false
		c.lastUsedAt = p.now()
		p.stats.Hits++
		w.ch <- c
		return
	}
	c.available = true
	p.idle = append(p.idle, c)
}

// popIdleLocked takes the most recently used idle connection so that
// surplus connections age out under the idle timeout.
func (p *Pool) popIdleLocked() *Connection {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	c.available = false
	return c
}

func (p *Pool) occupancyLocked() (open, active, idle, waiting int) {
	open = len(p.conns)
	idle = len(p.idle)
	active = open - idle - len(p.checking)
	if active < 0 {
		active = 0
	}
	return open, active, idle, p.waiters.Len()
}

func (p *Pool) publishLocked() {
	p.metrics.SetOccupancy(p.occupancyLocked())
}

func (p *Pool) closeConn(c *Connection, reason string) {
	if err := c.handle.Close(); err != nil {
		p.logger.Debug(component, "close", "error closing connection", logging.Fields{
			"connection_id": c.id,
			"error":         err.Error(),
		})
	}
	p.metrics.ObserveEviction(reason)
}
