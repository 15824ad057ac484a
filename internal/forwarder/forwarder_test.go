package forwarder

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sohttp/taskrun/internal/connpool"
	"github.com/sohttp/taskrun/internal/session"
)

// lineMessage is a minimal newline-terminated Message/Request/Response
// used only to exercise the forwarder's framing-agnostic pipeline.
type lineMessage struct {
	host, method, target, body string
	status                     int
	keepAlive                  bool
}

func (m *lineMessage) ToString() string {
	return fmt.Sprintf("%s %s %s\n", m.method, m.target, m.host)
}

func (m *lineMessage) FromString(data string) bool {
	parts := strings.Fields(data)
	if len(parts) < 2 {
		return false
	}
	m.method, m.target = parts[0], parts[1]
	return true
}

func (m *lineMessage) Host() string    { return m.host }
func (m *lineMessage) SetHost(h string) { m.host = h }
func (m *lineMessage) Method() string  { return m.method }
func (m *lineMessage) Target() string  { return m.target }
func (m *lineMessage) KeepAlive() bool { return m.keepAlive }
func (m *lineMessage) PreparePayload() {}
func (m *lineMessage) Status() int     { return m.status }

func lineDecoder(buf []byte) (Response, bool) {
	s := string(buf)
	if !strings.HasSuffix(s, "\n") {
		return nil, false
	}
	return &lineMessage{status: 200, body: strings.TrimSpace(s)}, true
}

func echoBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					c.Write([]byte("OK " + strconv.Itoa(n) + "\n"))
				}
			}(c)
		}
	}()
	return ln
}

func newTestPool(t *testing.T) *connpool.Pool {
	t.Helper()
	p := connpool.New(nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })
	return p
}

func testEndpointCfg() connpool.EndpointConfig {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	return connpool.EndpointConfig{
		MinConnections:      0,
		MaxConnections:      4,
		BorrowTimeout:       time.Second,
		ConnectTimeout:      time.Second,
		HealthCheckInterval: time.Second,
		SessionConfig:       cfg,
	}
}

func setupManager(t *testing.T, ln net.Listener, domain string) *Manager {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := newTestPool(t)
	mgr := New(Config{Decoder: lineDecoder, WaitCeiling: 2 * time.Second}, p, nil, nil)
	mgr.Start()
	t.Cleanup(func() { mgr.Stop() })

	ctx := context.Background()
	require.NoError(t, mgr.AddUpstream(ctx, Upstream{Domain: domain, Host: host, Port: uint16(port)}, testEndpointCfg()))
	return mgr
}

func TestResolveUpstream_PrefersMatchingPort(t *testing.T) {
	p := connpool.New(nil)
	mgr := New(DefaultConfig(), p, nil, nil)

	low := Upstream{Domain: "svc.local", Host: "127.0.0.1", Port: 1111}
	high := Upstream{Domain: "svc.local", Host: "127.0.0.1", Port: 2222}
	mgr.upstreams = append(mgr.upstreams, low, high)

	got, ok := mgr.ResolveUpstream("svc.local:2222")
	require.True(t, ok)
	require.Equal(t, high, got)

	got, ok = mgr.ResolveUpstream("svc.local")
	require.True(t, ok)
	require.Equal(t, low, got)
}

func TestResolveUpstream_CaseFold(t *testing.T) {
	p := connpool.New(nil)
	mgr := New(DefaultConfig(), p, nil, nil)
	mgr.upstreams = append(mgr.upstreams, Upstream{Domain: "Svc.Local", Host: "127.0.0.1", Port: 80})

	_, ok := mgr.ResolveUpstream("SVC.LOCAL")
	require.True(t, ok)
}

func TestForward_RoundTripsThroughBackend(t *testing.T) {
	ln := echoBackend(t)
	defer ln.Close()

	mgr := setupManager(t, ln, "svc.local")

	req := &lineMessage{method: "GET", target: "/ping", host: "svc.local"}
	resp, err := mgr.Forward(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status())
}

func TestForward_NoHostReturnsErrNoHost(t *testing.T) {
	ln := echoBackend(t)
	defer ln.Close()
	mgr := setupManager(t, ln, "svc.local")

	req := &lineMessage{method: "GET", target: "/ping"}
	_, err := mgr.Forward(context.Background(), req)
	require.ErrorIs(t, err, ErrNoHost)
}

func TestForward_UnknownHostReturnsErrUnknownHost(t *testing.T) {
	ln := echoBackend(t)
	defer ln.Close()
	mgr := setupManager(t, ln, "svc.local")

	req := &lineMessage{method: "GET", target: "/ping", host: "other.example"}
	_, err := mgr.Forward(context.Background(), req)
	require.ErrorIs(t, err, ErrUnknownHost)
}

func TestForward_FilterRejects(t *testing.T) {
	ln := echoBackend(t)
	defer ln.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := newTestPool(t)
	mgr := New(Config{
		Decoder: lineDecoder,
		Filter:  func(Request) error { return fmt.Errorf("blocked") },
	}, p, nil, nil)
	mgr.Start()
	defer mgr.Stop()
	require.NoError(t, mgr.AddUpstream(context.Background(), Upstream{Domain: "svc.local", Host: host, Port: uint16(port)}, testEndpointCfg()))

	req := &lineMessage{method: "GET", target: "/ping", host: "svc.local"}
	_, err = mgr.Forward(context.Background(), req)
	require.ErrorIs(t, err, ErrFiltered)
}

func TestSessionRegistry_AddGetRemove(t *testing.T) {
	p := connpool.New(nil)
	mgr := New(DefaultConfig(), p, nil, nil)

	srv, cli := net.Pipe()
	defer cli.Close()
	s, err := session.New(session.DefaultConfig(), session.TCPServer, nil)
	require.NoError(t, err)
	require.NoError(t, s.AdoptSocket(srv, session.TCPServer))

	require.True(t, mgr.AddSession(s))
	require.False(t, mgr.AddSession(s))
	require.True(t, mgr.HasSession(s.ID()))
	require.Equal(t, 1, mgr.SessionCount())

	got, ok := mgr.GetSession(s.ID())
	require.True(t, ok)
	require.Same(t, s, got)

	require.True(t, mgr.RemoveSession(s.ID()))
	require.False(t, mgr.HasSession(s.ID()))
}

func TestBroadcastBytes_NoSessionsReturnsFalse(t *testing.T) {
	p := connpool.New(nil)
	mgr := New(DefaultConfig(), p, nil, nil)
	require.False(t, mgr.BroadcastBytes([]byte("hi"), true))
}
