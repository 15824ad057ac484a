// Package forwarder implements the session registry and Host-header
// request router (§4.8): it tracks accepted inbound sessions, offers
// broadcast/selective dispatch across them, and forwards a decoded
// request to whichever configured upstream the request's Host header
// names, borrowing an outbound session from a connection pool to do
// so.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sohttp/taskrun/internal/connpool"
	"github.com/sohttp/taskrun/internal/events"
	"github.com/sohttp/taskrun/internal/obslog"
	"github.com/sohttp/taskrun/internal/session"
)

var tracer = otel.Tracer("github.com/sohttp/taskrun/internal/forwarder")

// Sentinel errors, matching spec.md §7's taxonomy for the forwarder's
// slice of it.
var (
	ErrNoHost       = errors.New("forwarder: no host to route on (502)")
	ErrUnknownHost  = errors.New("forwarder: host matches no configured upstream (403)")
	ErrFiltered     = errors.New("forwarder: request rejected by filter")
	ErrUpstreamWait = errors.New("forwarder: upstream did not respond before the deadline")
	ErrSaturated    = errors.New("forwarder: too many in-flight forwards (503)")
	ErrShuttingDown = errors.New("forwarder: shutting down (503)")
)

// Request is the HTTP-style contract the forwarder routes and
// forwards (§6, "Request/response contracts"): a Message plus the
// accessors the routing and framing logic needs.
type Request interface {
	session.Message
	Host() string
	SetHost(host string)
	Method() string
	Target() string
	KeepAlive() bool
	PreparePayload() // sets content-length / framing before ToString
}

// Response is the decoded reply a one-shot receive handler assembles
// from buffered bytes.
type Response interface {
	session.Message
	Status() int
}

// ResponseDecoder attempts to parse a complete response out of
// buf (the bytes received so far for one forward); it returns
// ok=false when more bytes are still needed.
type ResponseDecoder func(buf []byte) (resp Response, ok bool)

// RequestFilter inspects a request before it is forwarded; returning
// an error aborts the forward with that error.
type RequestFilter func(req Request) error

// Upstream is one routable backend, matched against a request's Host
// header by Domain (§6, "Forwarder configuration (JSON)").
type Upstream struct {
	Domain string
	Host   string
	Port   uint16
	HTTPS  bool
}

// Config tunes the manager's cleanup sweep, per-forward wait ceiling,
// and async admission control (§4.8).
type Config struct {
	CleanupInterval time.Duration // default 60s
	IdleThreshold   time.Duration // default 10m
	WaitCeiling     time.Duration // default 15s
	MaxInFlight     int64         // default 1024

	Filter  RequestFilter
	Decoder ResponseDecoder
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 60 * time.Second,
		IdleThreshold:   10 * time.Minute,
		WaitCeiling:     15 * time.Second,
		MaxInFlight:     1024,
	}
}

// Manager is the session registry plus Host-header router (C8).
type Manager struct {
	cfg  Config
	log  obslog.Logger
	bus  *events.Bus
	pool *connpool.Pool

	sessMu   sync.RWMutex
	sessions map[string]*session.Session

	upMu      sync.RWMutex
	upstreams []Upstream // insertion order; first match wins ties

	sem *semaphore.Weighted

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a manager over an already-constructed connection pool.
// pool must be started independently; the manager only borrows from
// it.
func New(cfg Config, pool *connpool.Pool, log obslog.Logger, bus *events.Bus) *Manager {
	if log == nil {
		log = obslog.Noop()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 10 * time.Minute
	}
	if cfg.WaitCeiling <= 0 {
		cfg.WaitCeiling = 15 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1024
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		pool:     pool,
		sessions: make(map[string]*session.Session),
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Start begins the periodic idle-session cleanup sweep (§4.8, "cleanup
// timer").
func (m *Manager) Start() {
	m.sessMu.Lock()
	if m.running {
		m.sessMu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.sessMu.Unlock()

	m.wg.Add(1)
	go m.cleanupLoop()
}

// Stop halts the cleanup sweep and synchronously closes every managed
// session, aggregating close errors (§A, go-multierror use).
func (m *Manager) Stop() error {
	m.sessMu.Lock()
	if !m.running {
		m.sessMu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.sessMu.Unlock()

	m.wg.Wait()

	var result *multierror.Error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.cleanupInactiveSessions()
		}
	}
}

func (m *Manager) cleanupInactiveSessions() {
	var stale []string
	m.sessMu.RLock()
	for id, s := range m.sessions {
		if !s.IsConnected() || s.StatsSnapshot().LastActivity.Before(time.Now().Add(-m.cfg.IdleThreshold)) {
			stale = append(stale, id)
		}
	}
	m.sessMu.RUnlock()

	for _, id := range stale {
		if m.RemoveSessionIfDisconnected(id) {
			continue
		}
		// Still connected but idle past the threshold: close it too
		// (§4.8, "closes sessions idle for more than 10 minutes").
		m.sessMu.Lock()
		s, ok := m.sessions[id]
		if ok {
			delete(m.sessions, id)
		}
		m.sessMu.Unlock()
		if ok {
			_ = s.Close()
			m.emit(events.Lifecycle, "forwarder closed idle session")
		}
	}
}

func (m *Manager) emit(cat events.Category, msg string) {
	if m.bus != nil {
		m.bus.Emit(cat, msg, nil)
	}
}

// --- Session registry -------------------------------------------------

// AddSession registers an already-connected session under its own id.
func (m *Manager) AddSession(s *session.Session) bool {
	if s == nil {
		return false
	}
	return m.AddSessionWithID(s.ID(), s)
}

// AddSessionWithID registers s under an explicit id, failing if that
// id is already taken.
func (m *Manager) AddSessionWithID(id string, s *session.Session) bool {
	if s == nil || id == "" {
		return false
	}
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return false
	}
	m.sessions[id] = s
	return true
}

// AddSessions bulk-registers sessions under their own ids, returning
// how many were newly added.
func (m *Manager) AddSessions(sessions []*session.Session) int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	added := 0
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if _, exists := m.sessions[s.ID()]; !exists {
			m.sessions[s.ID()] = s
			added++
		}
	}
	return added
}

// GetSession looks up a session by id.
func (m *Manager) GetSession(id string) (*session.Session, bool) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// HasSession reports whether id is registered.
func (m *Manager) HasSession(id string) bool {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// RemoveSession closes and drops a session unconditionally.
func (m *Manager) RemoveSession(id string) bool {
	m.sessMu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.sessMu.Unlock()
	if ok {
		_ = s.Close()
	}
	return ok
}

// RemoveSessionIfDisconnected drops a session only if it is already
// disconnected, to avoid racing a reconnect (§4.8).
func (m *Manager) RemoveSessionIfDisconnected(id string) bool {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IsConnected() {
		return false
	}
	_ = s.Close()
	delete(m.sessions, id)
	return true
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	return len(m.sessions)
}

// ConnectedSessionCount returns the number of registered, connected
// sessions.
func (m *Manager) ConnectedSessionCount() int {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.IsConnected() {
			n++
		}
	}
	return n
}

// SessionIDs returns a snapshot of all registered ids.
func (m *Manager) SessionIDs() []string {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RemoveDisconnectedSessions drops every session that is no longer
// connected and reports how many were removed.
func (m *Manager) RemoveDisconnectedSessions() int {
	m.sessMu.RLock()
	var dead []string
	for id, s := range m.sessions {
		if !s.IsConnected() {
			dead = append(dead, id)
		}
	}
	m.sessMu.RUnlock()

	removed := 0
	for _, id := range dead {
		if m.RemoveSessionIfDisconnected(id) {
			removed++
		}
	}
	return removed
}

// SelectSessionsIf returns a snapshot of sessions matching pred.
func (m *Manager) SelectSessionsIf(pred func(id string, s *session.Session) bool, onlyConnected bool) []*session.Session {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if pred(id, s) && (!onlyConnected || s.IsConnected()) {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) allSessions(onlyConnected bool) []*session.Session {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !onlyConnected || s.IsConnected() {
			out = append(out, s)
		}
	}
	return out
}

// --- Broadcast / selective delivery ------------------------------------

// WithSession dispatches op for a single session; op runs on its own
// goroutine so it never blocks the caller (§4.8, "dispatched through
// the session's I/O executor").
func (m *Manager) WithSession(s *session.Session, op func(*session.Session)) bool {
	if s == nil {
		return false
	}
	go safeInvoke(op, s)
	return true
}

// WithSessionID resolves id and dispatches op for it.
func (m *Manager) WithSessionID(id string, op func(*session.Session)) bool {
	s, ok := m.GetSession(id)
	if !ok {
		return false
	}
	return m.WithSession(s, op)
}

// WithSessions dispatches op for every id that resolves to a
// registered session.
func (m *Manager) WithSessions(ids []string, op func(*session.Session), onlyConnected bool) bool {
	targets := m.SelectSessionsIf(func(id string, _ *session.Session) bool {
		for _, want := range ids {
			if want == id {
				return true
			}
		}
		return false
	}, onlyConnected)
	if len(targets) == 0 {
		return false
	}
	go func() {
		for _, s := range targets {
			go safeInvoke(op, s)
		}
	}()
	return true
}

// ForEachSession dispatches op across every registered session.
func (m *Manager) ForEachSession(op func(*session.Session), onlyConnected bool) {
	targets := m.allSessions(onlyConnected)
	go func() {
		for _, s := range targets {
			go safeInvoke(op, s)
		}
	}()
}

func safeInvoke(op func(*session.Session), s *session.Session) {
	defer func() { _ = recover() }()
	op(s)
}

// BroadcastBytes sends data to every matching session, returning false
// if there was nothing to send to (§4.8, "broadcast_bytes").
func (m *Manager) BroadcastBytes(data []byte, onlyConnected bool) bool {
	targets := m.allSessions(onlyConnected)
	if len(targets) == 0 {
		return false
	}
	for _, s := range targets {
		s := s
		go func() { _ = s.SendBytes(data) }()
	}
	return true
}

// BroadcastRequest serializes req and broadcasts it.
func (m *Manager) BroadcastRequest(req session.Message, onlyConnected bool) bool {
	return m.BroadcastBytes([]byte(req.ToString()), onlyConnected)
}

// BroadcastResponse serializes resp and broadcasts it.
func (m *Manager) BroadcastResponse(resp session.Message, onlyConnected bool) bool {
	return m.BroadcastBytes([]byte(resp.ToString()), onlyConnected)
}

// --- Upstream routing ---------------------------------------------------

// AddUpstream registers a routable backend and its connection-pool
// endpoint.
func (m *Manager) AddUpstream(ctx context.Context, u Upstream, ep connpool.EndpointConfig) error {
	if u.Domain == "" || u.Port == 0 {
		return fmt.Errorf("forwarder: invalid upstream %+v", u)
	}
	ep.Host, ep.Port = u.Host, u.Port
	if err := m.pool.AddEndpoint(ctx, ep); err != nil {
		return err
	}
	m.upMu.Lock()
	m.upstreams = append(m.upstreams, u)
	m.upMu.Unlock()
	return nil
}

// ResolveUpstream parses a Host header into (name, port), case-folds
// the name, and returns the configured upstream whose port matches the
// request's explicit port if one is given, else the first-registered
// match for that name (§4.8, "Forwarder Host-header routing").
func (m *Manager) ResolveUpstream(hostHeader string) (Upstream, bool) {
	name, port := splitHostPort(hostHeader)
	name = strings.ToLower(name)

	m.upMu.RLock()
	defer m.upMu.RUnlock()

	var first Upstream
	haveFirst := false
	for _, u := range m.upstreams {
		if strings.ToLower(u.Domain) != name {
			continue
		}
		if !haveFirst {
			first = u
			haveFirst = true
		}
		if port != 0 && u.Port == port {
			return u, true
		}
	}
	return first, haveFirst
}

func splitHostPort(hostHeader string) (name string, port uint16) {
	h, p, err := net.SplitHostPort(hostHeader)
	if err != nil {
		return hostHeader, 0
	}
	if n, err := strconv.Atoi(p); err == nil {
		port = uint16(n)
	}
	return h, port
}

// Forward routes req by its Host header, borrows a session to the
// resolved upstream, sends the request, and waits for a decoded
// response up to the configured ceiling (§4.8, steps 1-6).
func (m *Manager) Forward(ctx context.Context, req Request) (Response, error) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "forwarder.Forward", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("host", req.Host()),
	))
	defer span.End()

	hadHost := req.Host() != ""
	up, ok := m.ResolveUpstream(req.Host())
	if !ok {
		if !hadHost {
			return nil, ErrNoHost
		}
		return nil, ErrUnknownHost
	}

	if m.cfg.Filter != nil {
		if err := m.cfg.Filter(req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFiltered, err)
		}
	}
	if req.Host() == "" {
		req.SetHost(up.Domain)
	}
	req.PreparePayload()

	s, err := m.pool.Borrow(ctx, up.Host, up.Port, 0)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := m.roundTrip(ctx, s, req)
	if err != nil {
		m.pool.Invalidate(ctx, s)
		m.log.Warn("forwarder round trip failed", zap.String("request_id", requestID), zap.String("host", up.Domain), zap.Error(err))
		span.RecordError(err)
		return nil, err
	}
	m.pool.GiveBack(ctx, s)
	return resp, nil
}

// roundTrip wires a one-shot receive handler that buffers bytes and
// attempts to decode a response after every chunk, sends the request,
// and waits up to WaitCeiling.
func (m *Manager) roundTrip(ctx context.Context, s *session.Session, req Request) (Response, error) {
	if m.cfg.Decoder == nil {
		return nil, errors.New("forwarder: no response decoder configured")
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	var buf []byte
	var once sync.Once

	s.SetReceptionProcessing(func(_ *session.Session, chunk []byte) {
		buf = append(buf, chunk...)
		if resp, ok := m.cfg.Decoder(buf); ok {
			once.Do(func() { done <- result{resp: resp} })
		}
	})
	defer s.SetReceptionProcessing(nil)

	if err := s.SendRequest(req); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.WaitCeiling)
	defer cancel()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-waitCtx.Done():
		return nil, ErrUpstreamWait
	}
}

// --- Async admission control --------------------------------------------

// ForwardAsync submits Forward to run under the manager's max-in-flight
// semaphore (default 1024); acquisition blocks up to waitForSlot, or
// returns ErrShuttingDown immediately once Stop has been called
// (§4.8, "Async variant").
func (m *Manager) ForwardAsync(ctx context.Context, req Request, waitForSlot time.Duration, cb func(Response, error)) error {
	m.sessMu.RLock()
	running := m.running
	m.sessMu.RUnlock()
	if !running {
		return ErrShuttingDown
	}

	acquireCtx, cancel := context.WithTimeout(ctx, waitForSlot)
	defer cancel()
	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		return ErrSaturated
	}

	go func() {
		defer m.sem.Release(1)
		resp, err := m.Forward(ctx, req)
		if cb != nil {
			cb(resp, err)
		}
	}()
	return nil
}
