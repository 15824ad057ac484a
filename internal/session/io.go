package session

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// startReadLoop arms a single outstanding read into a buffer sized by
// configuration; on completion it updates counters, dispatches the byte
// view to the handler, then re-arms (§4.6, "Receive loop"). It runs
// until the connection errors, hits EOF, or the session closes.
func (s *Session) startReadLoop() {
	go func() {
		buf := make([]byte, s.cfg.MaxBufferSize)
		for {
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil || s.getState() != Connected {
				return
			}
			if s.cfg.ReadTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			}
			n, err := conn.Read(buf)
			if n > 0 {
				s.stats.bytesReceived.Add(uint64(n))
				s.stats.messagesReceived.Add(1)
				s.stats.touch()
				s.dispatch(buf[:n])
			}
			if err != nil {
				if isTimeout(err) {
					continue
				}
				s.handleError(err)
				return
			}
		}
	}()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) handleError(err error) {
	st := s.getState()
	if st == Disconnected || st == Disconnecting {
		return
	}
	if !errors.Is(err, io.EOF) {
		s.log.Warn("session read error", zap.String("session_id", s.ID()), zap.Error(err))
	}
	s.setState(Error)
	s.Close()
}

// startHeartbeat arms the idle-close timer (§4.6, "Heartbeat").
func (s *Session) startHeartbeat() {
	if !s.cfg.EnableHeartbeat {
		return
	}
	s.mu.Lock()
	s.heartbeatTimer = time.AfterFunc(s.cfg.HeartbeatInterval, s.onHeartbeat)
	s.mu.Unlock()
}

func (s *Session) onHeartbeat() {
	if s.getState() != Connected {
		return
	}
	if s.stats.idleTime() > s.cfg.HeartbeatInterval*heartbeatIdleMultiple {
		s.log.Info("session heartbeat idle timeout", zap.String("session_id", s.ID()))
		s.Close()
		return
	}
	s.mu.Lock()
	s.heartbeatTimer = time.AfterFunc(s.cfg.HeartbeatInterval, s.onHeartbeat)
	s.mu.Unlock()
}

// SendBytes writes data synchronously; not-connected returns
// ErrNotConnected (§4.6, "send_bytes").
func (s *Session) SendBytes(data []byte) error {
	s.mu.RLock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	n, err := conn.Write(data)
	if err != nil {
		s.handleError(err)
		return err
	}
	s.stats.bytesSent.Add(uint64(n))
	s.stats.messagesSent.Add(1)
	s.stats.touch()
	return nil
}

// AsyncSendBytes writes data in a new goroutine and reports the result
// via cb.
func (s *Session) AsyncSendBytes(data []byte, cb func(error)) {
	go func() {
		err := s.SendBytes(data)
		if cb != nil {
			cb(err)
		}
	}()
}

// SendRequest serializes req via ToString and sends it (§4.6,
// "send_request").
func (s *Session) SendRequest(req Message) error {
	return s.SendBytes([]byte(req.ToString()))
}

// SendResponse serializes resp via ToString and sends it.
func (s *Session) SendResponse(resp Message) error {
	return s.SendBytes([]byte(resp.ToString()))
}

// AsyncSendRequest is the async variant of SendRequest.
func (s *Session) AsyncSendRequest(req Message, cb func(error)) {
	s.AsyncSendBytes([]byte(req.ToString()), cb)
}

// AsyncSendResponse is the async variant of SendResponse. The spec
// notes this may be invoked synchronously from inside a reception
// handler — since it only spawns a goroutine and returns, it is safe to
// call from there.
func (s *Session) AsyncSendResponse(resp Message, cb func(error)) {
	s.AsyncSendBytes([]byte(resp.ToString()), cb)
}

// Close is idempotent: it cancels the heartbeat timer, clears the
// handler, shuts the underlying socket, and transitions through
// disconnecting to disconnected (§4.6, "close").
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		st := s.getState()
		if st == Disconnected {
			return
		}
		s.setState(Disconnecting)

		s.mu.Lock()
		if s.heartbeatTimer != nil {
			s.heartbeatTimer.Stop()
		}
		conn := s.conn
		s.mu.Unlock()

		s.SetReceptionProcessing(nil)

		if conn != nil {
			closeErr = conn.Close()
		}
		s.setState(Disconnected)
		close(s.closed)
		s.log.Info("session closed", zap.String("session_id", s.ID()))
	})
	return closeErr
}

// Done returns a channel closed once the session has fully closed, for
// callers that want to wait without polling State().
func (s *Session) Done() <-chan struct{} { return s.closed }
