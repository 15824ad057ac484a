// Package admin exposes the runtime's operational surface: pool/queue
// gauges on a Prometheus registry, a /status JSON snapshot, a
// per-pool detail endpoint, and the live (category, message) event
// stream — all on a gorilla/mux router separate from the raw HTTP/1.0
// demo listener (§B).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sohttp/taskrun/internal/connpool"
	"github.com/sohttp/taskrun/internal/events"
	"github.com/sohttp/taskrun/internal/forwarder"
	"github.com/sohttp/taskrun/internal/obslog"
	"github.com/sohttp/taskrun/internal/pool"
)

// Server is the admin HTTP surface.
type Server struct {
	log obslog.Logger
	mux *mux.Router
	srv *http.Server

	registry *prometheus.Registry

	poolPeakQueueLen *prometheus.GaugeVec
	poolPeakThreads  *prometheus.GaugeVec
	poolSubmitted    *prometheus.GaugeVec
	poolFailed       *prometheus.GaugeVec
	connpoolIdle     *prometheus.GaugeVec
	connpoolInUse    *prometheus.GaugeVec
	sessionsGauge    prometheus.Gauge

	mu         sync.RWMutex
	pools      map[string]*pool.Facade
	connPool   *connpool.Pool
	endpoints  []endpointRef
	forwarder  *forwarder.Manager
	hub        *events.Hub
}

type endpointRef struct {
	host string
	port uint16
}

// New builds an admin server listening on addr. Call Register* methods
// before Start to wire in the components it reports on.
func New(addr string, log obslog.Logger) *Server {
	if log == nil {
		log = obslog.Noop()
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		log:      log,
		mux:      mux.NewRouter(),
		registry: reg,
		pools:    make(map[string]*pool.Facade),

		poolPeakQueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrun", Subsystem: "pool", Name: "peak_queue_length",
			Help: "Peak observed queue length for a named pool.",
		}, []string{"pool"}),
		poolPeakThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrun", Subsystem: "pool", Name: "peak_threads",
			Help: "Peak observed worker thread count for a named pool.",
		}, []string{"pool"}),
		poolSubmitted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrun", Subsystem: "pool", Name: "submitted_total",
			Help: "Cumulative tasks submitted to a named pool.",
		}, []string{"pool"}),
		poolFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrun", Subsystem: "pool", Name: "failed_total",
			Help: "Cumulative tasks failed in a named pool.",
		}, []string{"pool"}),
		connpoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrun", Subsystem: "connpool", Name: "idle_sessions",
			Help: "Idle sessions per endpoint.",
		}, []string{"host", "port"}),
		connpoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrun", Subsystem: "connpool", Name: "in_use_sessions",
			Help: "Borrowed sessions per endpoint.",
		}, []string{"host", "port"}),
		sessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskrun", Subsystem: "forwarder", Name: "connected_sessions",
			Help: "Connected sessions registered with the forwarder.",
		}),
	}
	reg.MustRegister(s.poolPeakQueueLen, s.poolPeakThreads, s.poolSubmitted, s.poolFailed, s.connpoolIdle, s.connpoolInUse, s.sessionsGauge)

	s.routes()
	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.mux.HandleFunc("/pools/{name}", s.handlePool).Methods(http.MethodGet)
	metrics := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	s.mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.refreshGauges()
		metrics.ServeHTTP(w, r)
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

// RegisterPool makes a named pool's stats visible on /status, /pools/{name},
// and /metrics.
func (s *Server) RegisterPool(name string, f *pool.Facade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[name] = f
}

// RegisterConnPool attaches a connection pool and the endpoints to
// report gauges for.
func (s *Server) RegisterConnPool(p *connpool.Pool, endpoints []struct {
	Host string
	Port uint16
}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connPool = p
	s.endpoints = s.endpoints[:0]
	for _, e := range endpoints {
		s.endpoints = append(s.endpoints, endpointRef{host: e.Host, port: e.Port})
	}
}

// RegisterForwarder attaches the forwarder whose session count feeds
// the connected-sessions gauge.
func (s *Server) RegisterForwarder(m *forwarder.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarder = m
}

// RegisterEventsHub wires /events to an already-running websocket hub.
func (s *Server) RegisterEventsHub(h *events.Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub = h
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	if hub == nil {
		http.Error(w, "events hub not configured", http.StatusServiceUnavailable)
		return
	}
	hub.ServeHTTP(w, r)
}

func (s *Server) refreshGauges() {
	s.mu.RLock()
	pools := make(map[string]*pool.Facade, len(s.pools))
	for k, v := range s.pools {
		pools[k] = v
	}
	cp := s.connPool
	endpoints := append([]endpointRef(nil), s.endpoints...)
	fwd := s.forwarder
	s.mu.RUnlock()

	for name, f := range pools {
		snap := f.Snapshot()
		s.poolPeakQueueLen.WithLabelValues(name).Set(float64(snap.PeakQueueLen))
		s.poolPeakThreads.WithLabelValues(name).Set(float64(snap.PeakThreads))
		s.poolSubmitted.WithLabelValues(name).Set(float64(snap.Submitted))
		s.poolFailed.WithLabelValues(name).Set(float64(snap.Failed))
	}
	if cp != nil {
		for _, e := range endpoints {
			port := fmt.Sprintf("%d", e.port)
			if stats, ok := cp.Stats(e.host, e.port); ok {
				s.connpoolIdle.WithLabelValues(e.host, port).Set(float64(stats.Idle))
				s.connpoolInUse.WithLabelValues(e.host, port).Set(float64(stats.InUse))
			}
		}
	}
	if fwd != nil {
		s.sessionsGauge.Set(float64(fwd.ConnectedSessionCount()))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()

	s.mu.RLock()
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	fwd := s.forwarder
	s.mu.RUnlock()

	status := map[string]any{"pools": names}
	if fwd != nil {
		status["sessions"] = fwd.SessionCount()
		status["connected_sessions"] = fwd.ConnectedSessionCount()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.RLock()
	f, ok := s.pools[name]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "pool not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.Snapshot())
}

// Start runs the admin HTTP server; it blocks until ListenAndServe
// returns.
func (s *Server) Start() error {
	s.log.Info("admin server starting")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
