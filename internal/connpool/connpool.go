// Package connpool implements a per-endpoint pool of outbound
// sessions (§4.7): callers borrow a connected session, use it, and
// either give it back or invalidate it. A background health-check
// loop prunes dead connections and preheats each endpoint back up to
// its configured minimum.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sohttp/taskrun/internal/obslog"
	"github.com/sohttp/taskrun/internal/session"
)

// Sentinel errors.
var (
	ErrUnknownEndpoint = errors.New("connpool: unknown endpoint")
	ErrBorrowTimeout   = errors.New("connpool: borrow timed out")
	ErrInvalidConfig   = errors.New("connpool: invalid endpoint config")
)

// EndpointConfig describes one (host, port) pool (§4.7, "endpoint
// configuration").
type EndpointConfig struct {
	Host string
	Port uint16

	MinConnections uint64
	MaxConnections uint64

	BorrowTimeout       time.Duration
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration

	SessionConfig session.Config
}

func (c EndpointConfig) validate() error {
	if c.Host == "" || c.Port == 0 || c.MinConnections > c.MaxConnections {
		return ErrInvalidConfig
	}
	return nil
}

func (c EndpointConfig) key() endpointKey { return endpointKey{c.Host, c.Port} }

type endpointKey struct {
	host string
	port uint16
}

// Stats is a point-in-time view of one endpoint's pool (§4.7,
// "pool stats").
type Stats struct {
	Idle    uint64
	InUse   uint64
	Total   uint64
	Healthy bool
}

// endpointPool holds the idle deque and borrowed-session tracking for
// one endpoint, guarded by its own mutex so endpoints never contend
// with each other.
type endpointPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg EndpointConfig

	idle     []*session.Session
	borrowed map[string]*session.Session

	healthy bool
}

func newEndpointPool(cfg EndpointConfig) *endpointPool {
	ep := &endpointPool{cfg: cfg, borrowed: make(map[string]*session.Session), healthy: true}
	ep.cond = sync.NewCond(&ep.mu)
	return ep
}

// connectedTotalLocked counts idle plus borrowed sessions that are
// still connected. Caller must hold ep.mu.
func (ep *endpointPool) connectedTotalLocked() uint64 {
	var n uint64
	for _, s := range ep.idle {
		if s.IsConnected() {
			n++
		}
	}
	for _, s := range ep.borrowed {
		if s.IsConnected() {
			n++
		}
	}
	return n
}

// Pool is the top-level registry of endpoint pools (§4.7,
// "connection pool").
type Pool struct {
	log obslog.Logger

	mu        sync.RWMutex
	endpoints map[endpointKey]*endpointPool

	running   bool
	stopCh    chan struct{}
	timerMu   sync.Mutex
	checkStop *time.Timer
}

// New constructs an empty, not-yet-started pool.
func New(log obslog.Logger) *Pool {
	if log == nil {
		log = obslog.Noop()
	}
	return &Pool{
		log:       log,
		endpoints: make(map[endpointKey]*endpointPool),
	}
}

// Start preheats every registered endpoint to its minimum and begins
// the periodic health-check loop. Safe to call once; a second call is
// a no-op (§4.7, "start").
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	pools := p.snapshotPoolsLocked()
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range pools {
		ep := ep
		g.Go(func() error {
			p.preheat(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	p.scheduleNextCheck()
	return nil
}

// Stop closes every idle session, wakes every blocked borrower, and
// halts the health-check loop. Borrowed sessions are left to their
// owners (§4.7, "stop").
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	pools := p.snapshotPoolsLocked()
	p.mu.Unlock()

	p.timerMu.Lock()
	if p.checkStop != nil {
		p.checkStop.Stop()
	}
	p.timerMu.Unlock()

	for _, ep := range pools {
		ep.mu.Lock()
		for _, s := range ep.idle {
			_ = s.Close()
		}
		ep.idle = nil
		ep.cond.Broadcast()
		ep.mu.Unlock()
	}
	return nil
}

func (p *Pool) snapshotPoolsLocked() []*endpointPool {
	out := make([]*endpointPool, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep)
	}
	return out
}

// AddEndpoint registers a new pool, or reports success if the
// endpoint already exists (§4.7, "add_endpoint").
func (p *Pool) AddEndpoint(ctx context.Context, cfg EndpointConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	key := cfg.key()

	p.mu.Lock()
	if _, ok := p.endpoints[key]; ok {
		p.mu.Unlock()
		return nil
	}
	ep := newEndpointPool(cfg)
	p.endpoints[key] = ep
	running := p.running
	p.mu.Unlock()

	if running {
		p.preheat(ctx, ep)
	}
	return nil
}

// RemoveEndpoint closes every idle session for (host, port) and drops
// the endpoint from the registry. Borrowed sessions already on loan
// are unaffected until given back or invalidated.
func (p *Pool) RemoveEndpoint(host string, port uint16) bool {
	key := endpointKey{host, port}
	p.mu.Lock()
	ep, ok := p.endpoints[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.endpoints, key)
	p.mu.Unlock()

	ep.mu.Lock()
	for _, s := range ep.idle {
		_ = s.Close()
	}
	ep.idle = nil
	ep.cond.Broadcast()
	ep.mu.Unlock()
	return true
}

func (p *Pool) getEndpoint(host string, port uint16) *endpointPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[endpointKey{host, port}]
}

// Borrow returns an idle, connected session for (host, port), opening
// a new one synchronously if the endpoint has headroom, or blocks up
// to timeout (or the endpoint's configured BorrowTimeout if timeout is
// zero) for one to free up (§4.7, "borrow").
func (p *Pool) Borrow(ctx context.Context, host string, port uint16, timeout time.Duration) (*session.Session, error) {
	ep := p.getEndpoint(host, port)
	if ep == nil {
		return nil, fmt.Errorf("%w: %s:%d", ErrUnknownEndpoint, host, port)
	}
	if timeout <= 0 {
		timeout = ep.cfg.BorrowTimeout
	}
	deadline := time.Now().Add(timeout)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	for {
		if s, ok := ep.takeIdleLocked(); ok {
			return s, nil
		}
		if ep.connectedTotalLocked() < ep.cfg.MaxConnections {
			ep.mu.Unlock()
			s, err := p.connect(ctx, ep.cfg)
			ep.mu.Lock()
			if err == nil && s.IsConnected() {
				ep.borrowed[s.ID()] = s
				return s, nil
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrBorrowTimeout
		}
		waitOnCond(ep.cond, remaining)
	}
}

// waitOnCond wakes ep.cond.Wait after at most d by running the wait on
// its own goroutine and racing it against a timer; sync.Cond has no
// native timeout.
func waitOnCond(cond *sync.Cond, d time.Duration) {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.Broadcast()
	})
	go func() {
		cond.Wait()
		close(woke)
	}()
	<-woke
	timer.Stop()
}

// takeIdleLocked pops a connected session off the idle deque,
// discarding dead ones along the way. Caller must hold ep.mu.
func (ep *endpointPool) takeIdleLocked() (*session.Session, bool) {
	for len(ep.idle) > 0 {
		s := ep.idle[0]
		ep.idle = ep.idle[1:]
		if s.IsConnected() {
			ep.borrowed[s.ID()] = s
			return s, true
		}
	}
	return nil, false
}

// TryBorrow is the non-blocking variant of Borrow: it returns only
// what is already idle, never opening a new connection or waiting
// (§4.7, "try_borrow").
func (p *Pool) TryBorrow(host string, port uint16) (*session.Session, bool) {
	ep := p.getEndpoint(host, port)
	if ep == nil {
		return nil, false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.takeIdleLocked()
}

// GiveBack returns a borrowed session to its endpoint's idle deque if
// it is still connected, or discards it otherwise, then triggers a
// preheat to refill toward the minimum (§4.7, "give_back").
func (p *Pool) GiveBack(ctx context.Context, s *session.Session) {
	if s == nil {
		return
	}
	host, port := s.RemoteAddr()
	ep := p.getEndpoint(host, port)
	if ep == nil {
		_ = s.Close()
		return
	}
	ep.mu.Lock()
	delete(ep.borrowed, s.ID())
	if s.IsConnected() {
		ep.idle = append(ep.idle, s)
	}
	ep.cond.Signal()
	ep.mu.Unlock()

	p.preheat(ctx, ep)
}

// Invalidate force-closes a borrowed session instead of returning it
// to service, then triggers a preheat (§4.7, "invalidate").
func (p *Pool) Invalidate(ctx context.Context, s *session.Session) {
	if s == nil {
		return
	}
	host, port := s.RemoteAddr()
	ep := p.getEndpoint(host, port)
	if ep == nil {
		_ = s.Close()
		return
	}
	ep.mu.Lock()
	delete(ep.borrowed, s.ID())
	ep.cond.Signal()
	ep.mu.Unlock()
	_ = s.Close()

	p.preheat(ctx, ep)
}

// Stats reports a point-in-time snapshot for one endpoint.
func (p *Pool) Stats(host string, port uint16) (Stats, bool) {
	ep := p.getEndpoint(host, port)
	if ep == nil {
		return Stats{}, false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return Stats{
		Idle:    uint64(len(ep.idle)),
		InUse:   uint64(len(ep.borrowed)),
		Total:   ep.connectedTotalLocked(),
		Healthy: ep.healthy,
	}, true
}

// connect dials a fresh session for an endpoint with retry/backoff,
// bounded by the endpoint's connect timeout per attempt.
func (p *Pool) connect(ctx context.Context, cfg EndpointConfig) (*session.Session, error) {
	kind := session.TCPClient
	if cfg.SessionConfig.EnableSSL {
		kind = session.TLSClient
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	var s *session.Session
	err := backoff.Retry(func() error {
		ns, err := session.New(cfg.SessionConfig, kind, p.log)
		if err != nil {
			return backoff.Permanent(err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
		defer cancel()
		if err := ns.Connect(dialCtx, cfg.Host, cfg.Port); err != nil {
			return err
		}
		s = ns
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func connectTimeout(cfg EndpointConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return cfg.SessionConfig.ConnectTimeout
}

// preheat tops an endpoint up to its configured minimum, logging (but
// not failing) on dial errors — a slow/unreachable endpoint just stays
// under-provisioned until the next health-check tick.
func (p *Pool) preheat(ctx context.Context, ep *endpointPool) {
	ep.mu.Lock()
	connected := ep.connectedTotalLocked()
	need := uint64(0)
	if connected < ep.cfg.MinConnections {
		need = ep.cfg.MinConnections - connected
	}
	cfg := ep.cfg
	ep.mu.Unlock()

	for i := uint64(0); i < need; i++ {
		s, err := p.connect(ctx, cfg)
		if err != nil {
			p.log.Warn("connpool preheat failed", zap.String("host", cfg.Host), zap.Uint16("port", cfg.Port), zap.Error(err))
			continue
		}
		ep.mu.Lock()
		if s.IsConnected() && ep.connectedTotalLocked() < ep.cfg.MaxConnections {
			ep.idle = append(ep.idle, s)
			ep.cond.Signal()
		} else {
			ep.mu.Unlock()
			_ = s.Close()
			continue
		}
		ep.mu.Unlock()
	}
}

// healthCheckFloor is the interval used when no endpoint is
// registered yet, and a lower bound against misconfigured zero
// intervals.
const healthCheckFloor = 1 * time.Second

// scheduleNextCheck arms a one-shot timer for the smallest configured
// HealthCheckInterval across all endpoints, then reschedules itself
// after each tick — the fastest endpoint sets the pace so a slower
// one never delays its neighbors' checks (§4.7, "health check").
func (p *Pool) scheduleNextCheck() {
	p.mu.RLock()
	running := p.running
	interval := time.Duration(0)
	for _, ep := range p.endpoints {
		if ep.cfg.HealthCheckInterval > 0 && (interval == 0 || ep.cfg.HealthCheckInterval < interval) {
			interval = ep.cfg.HealthCheckInterval
		}
	}
	p.mu.RUnlock()
	if interval < healthCheckFloor {
		interval = healthCheckFloor
	}
	if !running {
		return
	}

	p.timerMu.Lock()
	p.checkStop = time.AfterFunc(interval, func() {
		p.healthCheckTick()
		p.scheduleNextCheck()
	})
	p.timerMu.Unlock()
}

func (p *Pool) healthCheckTick() {
	p.mu.RLock()
	running := p.running
	pools := p.snapshotPoolsLocked()
	p.mu.RUnlock()
	if !running {
		return
	}

	for _, ep := range pools {
		ep.mu.Lock()
		live := ep.idle[:0]
		for _, s := range ep.idle {
			if s.IsConnected() {
				live = append(live, s)
			}
		}
		ep.idle = live
		for id, s := range ep.borrowed {
			if !s.IsConnected() {
				delete(ep.borrowed, id)
			}
		}
		ep.healthy = ep.connectedTotalLocked() > 0 || ep.cfg.MinConnections == 0
		ep.mu.Unlock()

		p.preheat(context.Background(), ep)
	}
}
