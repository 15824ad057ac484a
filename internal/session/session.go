// Package session implements a single logical TCP/TLS connection (§4.6):
// a state machine over connect/adopt/send/receive/close, with a
// heartbeat timer and an opaque SHA-256 identifier. Sessions are safe
// for concurrent use; mutating calls serialize through an internal
// mutex the way the spec's "I/O executor" serializes them in the
// original design.
package session

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/minio/sha256-simd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sohttp/taskrun/internal/obslog"
)

var validate = validator.New()

var tracer = otel.Tracer("github.com/sohttp/taskrun/internal/session")

// State is a point in the session lifecycle (§4.6):
//
//	disconnected -connect-> connecting -success-> connected
//	                    \                    `-error-> disconnected
//	connected -close-> disconnecting -> disconnected
//	any -error-> error -close-> disconnected
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Kind distinguishes the originating side of a session; it drives which
// half of the TLS handshake (if any) a session performs.
type Kind int32

const (
	TCPClient Kind = iota
	TCPServer
	TLSClient
	TLSServer
)

// Sentinel errors, matching the error taxonomy of spec.md §7.
var (
	ErrNotConnected     = errors.New("session: not_connected")
	ErrAlreadyConnected = errors.New("session: already in a non-disconnected state")
	ErrTLSFailure       = errors.New("session: tls_failure")
)

// Message is the request/response contract consumed by sessions (§6):
// anything that can serialize itself to bytes for the wire and parse
// itself back out of them.
type Message interface {
	ToString() string
	FromString(data string) bool
}

// ReceptionHandler is invoked with a raw byte view on every readable
// chunk; the session guarantees it is never invoked concurrently with
// itself for the same session. It must not retain the slice past the
// call — the backing buffer is reused for the next read.
type ReceptionHandler func(s *Session, data []byte)

// Config is the recognized set of session options (§6, "Session
// configuration").
type Config struct {
	ReadTimeout    time.Duration `validate:"gt=0"`
	WriteTimeout   time.Duration `validate:"gt=0"`
	ConnectTimeout time.Duration `validate:"gt=0"`

	HeartbeatInterval time.Duration `validate:"gt=0"`
	EnableHeartbeat   bool

	EnableSSL             bool
	SSLCertFile           string
	SSLKeyFile            string
	SSLCAFile             string
	TLSServerName         string
	SSLInsecureSkipVerify bool

	MaxBufferSize  int `validate:"gt=0"`
	MaxMessageSize int `validate:"gt=0"`
}

// heartbeatIdleMultiple is the ratio (§C, "heartbeat idle-close
// threshold") of HeartbeatInterval past which an idle session is closed
// on a heartbeat tick.
const heartbeatIdleMultiple = 2

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ConnectTimeout:    30 * time.Second,
		HeartbeatInterval: 10 * time.Minute,
		EnableHeartbeat:   true,
		MaxBufferSize:     64 * 1024,
		MaxMessageSize:    1024 * 1024,
	}
}

func (c Config) validateConfig() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("session: invalid config: %w", err)
	}
	return nil
}

// Stats accumulates per-session counters (§4.6).
type Stats struct {
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	createdAt        int64 // unix nanos
	lastActivity     atomic.Int64
}

// Snapshot is a point-in-time copy of Stats safe to read without races.
type Snapshot struct {
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	CreatedAt        time.Time
	LastActivity     time.Time
}

func (s *Stats) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		CreatedAt:        time.Unix(0, s.createdAt),
		LastActivity:     time.Unix(0, s.lastActivity.Load()),
	}
}

func (s *Stats) idleTime() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Session is one logical connection. Zero value is not usable; build
// with New.
type Session struct {
	cfg Config
	log obslog.Logger

	id [32]byte

	mu    sync.RWMutex
	state State
	kind  Kind
	conn  net.Conn

	remoteHost string
	remotePort uint16

	stats Stats

	handlerMu sync.RWMutex
	handler   ReceptionHandler

	heartbeatTimer *time.Timer
	closeOnce      sync.Once
	closed         chan struct{}
}

// New constructs a disconnected session. Call Connect, AsyncConnect, or
// AdoptSocket to bring it up.
func New(cfg Config, kind Kind, log obslog.Logger) (*Session, error) {
	if log == nil {
		log = obslog.Noop()
	}
	if err := cfg.validateConfig(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		log:    log,
		id:     newSessionID(),
		kind:   kind,
		state:  Disconnected,
		closed: make(chan struct{}),
	}
	s.stats.createdAt = time.Now().UnixNano()
	s.stats.touch()
	return s, nil
}

// ID returns the session's opaque 256-bit identifier as a hex string,
// suitable for use as a map key (§4.6, "Identifier").
func (s *Session) ID() string { return fmt.Sprintf("%x", s.id) }

// RawID returns the identifier's raw bytes.
func (s *Session) RawID() [32]byte { return s.id }

var idCounter atomic.Uint64

// newSessionID hashes a 64-byte mix of a fixed key, current time,
// a monotonic counter standing in for a CPU timestamp counter, and
// fresh entropy (§4.6, "Identifier: SHA-256(mix)").
func newSessionID() [32]byte {
	var mix [64]byte
	fixedKey := [16]byte{0x73, 0x6f, 0x68, 0x74, 0x74, 0x70, 0x10, 0xac, 0xe4, 0x1b, 0x7f, 0x84, 0x4f, 0x09, 0x9c, 0x63}
	copy(mix[0:16], fixedKey[:])

	millis := time.Now().UnixMilli()
	for i := 0; i < 8; i++ {
		mix[16+i] = byte(millis >> (8 * i))
	}

	counter := idCounter.Add(1)
	for i := 0; i < 8; i++ {
		mix[24+i] = byte(counter >> (8 * i))
	}

	// Remaining 32 bytes are fresh entropy; crypto/rand never errors on
	// supported platforms, so a failure here is treated as all-zero
	// padding rather than a constructor error.
	_, _ = rand.Read(mix[32:64])

	return sha256.Sum256(mix[:])
}

func (s *Session) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// IsConnected reports whether the session is in the connected state.
func (s *Session) IsConnected() bool { return s.getState() == Connected }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.getState() }

// RemoteAddr returns the session's remote host and port, valid once
// connected or adopted.
func (s *Session) RemoteAddr() (string, uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteHost, s.remotePort
}

// StatsSnapshot returns a consistent copy of the session's counters.
func (s *Session) StatsSnapshot() Snapshot { return s.stats.snapshot() }

// SetReceptionProcessing installs the callback invoked with a raw byte
// view on every readable chunk (§4.6).
func (s *Session) SetReceptionProcessing(h ReceptionHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

func (s *Session) dispatch(data []byte) {
	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	if h != nil {
		h(s, data)
	}
}

// Connect resolves host:port (or parses host as a literal IP directly),
// optionally performs a client TLS handshake with SNI and hostname
// verification, and on success starts the read loop and heartbeat
// timer (§4.6, "connect").
func (s *Session) Connect(ctx context.Context, host string, port uint16) error {
	if s.getState() != Disconnected {
		return ErrAlreadyConnected
	}
	ctx, span := tracer.Start(ctx, "session.Connect", trace.WithAttributes(
		attribute.String("session_id", s.ID()),
		attribute.String("endpoint", fmt.Sprintf("%s:%d", host, port)),
	))
	defer span.End()

	s.setState(Connecting)
	s.mu.Lock()
	s.remoteHost, s.remotePort = host, port
	s.mu.Unlock()

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	var conn net.Conn
	var err error
	if s.cfg.EnableSSL {
		tlsCfg, tlsErr := s.clientTLSConfig()
		if tlsErr != nil {
			s.setState(Disconnected)
			span.RecordError(tlsErr)
			return tlsErr
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		s.setState(Disconnected)
		span.RecordError(err)
		s.log.Warn("session connect failed", zap.String("session_id", s.ID()), zap.String("endpoint", addr), zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(Connected)
	s.stats.touch()
	s.startReadLoop()
	s.startHeartbeat()
	s.log.Info("session connected", zap.String("session_id", s.ID()), zap.String("endpoint", addr))
	return nil
}

// AsyncConnect runs Connect in a new goroutine and reports the result
// via cb.
func (s *Session) AsyncConnect(ctx context.Context, host string, port uint16, cb func(error)) {
	go func() {
		err := s.Connect(ctx, host, port)
		if cb != nil {
			cb(err)
		}
	}()
}

func (s *Session) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         s.cfg.TLSServerName,
		InsecureSkipVerify: s.cfg.SSLInsecureSkipVerify,
	}
	if !s.cfg.SSLInsecureSkipVerify && s.cfg.SSLCAFile != "" {
		// Only the configured CA file is trusted — system defaults are
		// never consulted (§4.6, "TLS details").
		pem, err := os.ReadFile(s.cfg.SSLCAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSFailure, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrTLSFailure, s.cfg.SSLCAFile)
		}
		cfg.RootCAs = pool
	}
	if s.cfg.SSLCertFile != "" && s.cfg.SSLKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSFailure, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (s *Session) serverTLSConfig() (*tls.Config, error) {
	if s.cfg.SSLCertFile == "" || s.cfg.SSLKeyFile == "" {
		return nil, fmt.Errorf("%w: server mode requires ssl_cert_file and ssl_key_file", ErrTLSFailure)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSFailure, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12, // disables SSLv2/SSLv3 equivalents
	}, nil
}

// AdoptSocket takes ownership of an externally-accepted connection.
// Valid only from Disconnected. For server-side TLS, the handshake is
// deferred until Start (§4.6).
func (s *Session) AdoptSocket(conn net.Conn, kind Kind) error {
	if s.getState() != Disconnected {
		return ErrAlreadyConnected
	}
	if kind == TLSClient && s.cfg.EnableSSL {
		tlsCfg, err := s.clientTLSConfig()
		if err != nil {
			return err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			return fmt.Errorf("%w: %v", ErrTLSFailure, err)
		}
		conn = tlsConn
	}

	s.kind = kind
	s.mu.Lock()
	s.conn = conn
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		s.remoteHost = host
		if p, err := strconv.Atoi(port); err == nil {
			s.remotePort = uint16(p)
		}
	}
	s.mu.Unlock()
	s.setState(Connected)
	s.stats.touch()
	return nil
}

// Start is for already-connected sessions: it performs a server-side
// TLS handshake if needed, then starts the read loop and heartbeat
// (§4.6, "start").
func (s *Session) Start() error {
	if s.getState() != Connected {
		return ErrNotConnected
	}
	if s.cfg.EnableSSL && s.kind == TLSServer {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if _, ok := conn.(*tls.Conn); !ok {
			tlsCfg, err := s.serverTLSConfig()
			if err != nil {
				s.setState(Error)
				return err
			}
			tlsConn := tls.Server(conn, tlsCfg)
			if err := tlsConn.HandshakeContext(context.Background()); err != nil {
				s.setState(Disconnected)
				return fmt.Errorf("%w: %v", ErrTLSFailure, err)
			}
			s.mu.Lock()
			s.conn = tlsConn
			s.mu.Unlock()
		}
	}
	s.startReadLoop()
	s.startHeartbeat()
	return nil
}
