package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/marketprism/marketprism/internal/metrics"
	"github.com/marketprism/marketprism/internal/types"
)

const (
	handshakeTimeout     = 10 * time.Second
	defaultPingInterval  = 20 * time.Second
	subscribeAckTimeout  = 10 * time.Second
	writeTimeout         = 5 * time.Second
	reconnectInitial     = 1 * time.Second
	reconnectMax         = 60 * time.Second
	reconnectJitter      = 0.2
	defaultChannelBuffer = 1024
)

// SessionConfig tunes one logical (exchange, market type, data type)
// session.
type SessionConfig struct {
	MarketType       types.MarketType
	DataType         types.DataType
	Symbols          []string // exchange-native symbols
	Proxy            string   // http(s):// or socks5:// URL, empty for direct
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	ChannelCapacity  int
}

// Session is one WebSocket session driven by an Endpoint strategy. It owns
// reconnection, heartbeat supervision and subscription acks, and emits raw
// payloads through a bounded channel.
type Session struct {
	endpoint Endpoint
	cfg      SessionConfig
	log      zerolog.Logger

	state     atomic.Int32
	lastMsg   atomic.Int64 // unix nanos of last inbound frame
	out       chan RawMessage
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	startErr  chan error
	stopOnce  sync.Once

	connMu sync.Mutex
	conn   *websocket.Conn

	// writeMu serializes frame writes; the heartbeat goroutine and Send
	// callers share the connection.
	writeMu sync.Mutex
}

// NewSession creates a session. Start must be called before Messages
// yields anything.
func NewSession(endpoint Endpoint, cfg SessionConfig, log zerolog.Logger) *Session {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = defaultChannelBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.PingInterval
	}
	s := &Session{
		endpoint: endpoint,
		cfg:      cfg,
		log: log.With().
			Str("exchange", string(endpoint.Exchange())).
			Str("market_type", string(cfg.MarketType)).
			Str("data_type", string(cfg.DataType)).
			Logger(),
		out:      make(chan RawMessage, cfg.ChannelCapacity),
		done:     make(chan struct{}),
		startErr: make(chan error, 1),
	}
	s.setState(StateIdle)
	return s
}

// Start launches the session loop. It returns once the first connection
// attempt has resolved; transient first failures keep retrying in the
// background, protocol-fatal ones are surfaced.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)

	select {
	case err := <-s.startErr:
		if err != nil && errors.Is(err, ErrProtocolFatal) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the bounded output channel, closed on Stop.
func (s *Session) Messages() <-chan RawMessage { return s.out }

// Describe identifies the session for logs and the health surface.
func (s *Session) Describe() string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint.Exchange(), s.cfg.MarketType, s.cfg.DataType)
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastMessageTime reports when the last frame arrived.
func (s *Session) LastMessageTime() time.Time {
	return time.Unix(0, s.lastMsg.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	metrics.RecordSessionState(
		string(s.endpoint.Exchange()), string(s.cfg.MarketType), string(s.cfg.DataType), int(st))
}

// Send writes one frame on the live connection, for mid-stream
// subscription changes. It fails while the session is between connections.
func (s *Session) Send(frame []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("session not connected")
	}
	return s.write(conn, websocket.TextMessage, frame)
}

// Kick force-closes the live connection. The reconnect loop re-dials and
// re-subscribes, which on snapshot-in-band venues yields a fresh book.
func (s *Session) Kick() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// Stop transitions to Closing, tears the connection down and closes the
// output channel. Closed is terminal.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.setState(StateClosing)
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.setState(StateClosed)
		close(s.out)
	})
	return nil
}

func (s *Session) dialer() (*websocket.Dialer, error) {
	d := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if s.cfg.Proxy == "" {
		return d, nil
	}
	u, err := url.Parse(s.cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", s.cfg.Proxy, err)
	}
	switch u.Scheme {
	case "http", "https":
		d.Proxy = http.ProxyURL(u)
	case "socks5":
		var auth *proxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pw}
		}
		socks, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %q: %w", s.cfg.Proxy, err)
		}
		d.NetDial = socks.Dial
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return d, nil
}

// run is the reconnect loop: one connect-subscribe-stream cycle per
// iteration, with exponential backoff between failures.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.MaxInterval = reconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = reconnectJitter

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connectedAt := time.Now()
		err := s.streamOnce(ctx)
		s.notifyStart(err)
		if time.Since(connectedAt) > time.Minute {
			bo.Reset()
		}
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, ErrProtocolFatal) {
			s.log.Error().Err(err).Msg("Protocol error, halting session")
			s.setState(StateClosed)
			return
		}

		metrics.SessionReconnects.WithLabelValues(
			string(s.endpoint.Exchange()), string(s.cfg.MarketType), string(s.cfg.DataType)).Inc()
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = reconnectMax
		}
		s.log.Warn().Err(err).Dur("backoff", sleep).Msg("Session disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// streamOnce performs one full connect/subscribe/stream cycle. A nil
// return means the context ended cleanly.
func (s *Session) streamOnce(ctx context.Context) error {
	s.setState(StateConnecting)

	endpointURL, err := s.endpoint.URL(s.cfg.MarketType, s.cfg.DataType, s.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolFatal, err)
	}
	dialer, err := s.dialer()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolFatal, err)
	}

	s.setState(StateHandshaking)
	conn, _, err := dialer.DialContext(ctx, endpointURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpointURL, err)
	}
	s.notifyStart(nil)
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.touch()
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	s.setState(StateSubscribing)
	frames, err := s.endpoint.SubscribeFrames(s.cfg.MarketType, s.cfg.DataType, s.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolFatal, err)
	}
	for _, frame := range frames {
		if err := s.write(conn, websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("subscribe write: %w", err)
		}
	}
	pending := 0
	if s.endpoint.ExpectsAck() {
		pending = len(frames)
	}
	if pending == 0 {
		s.setState(StateStreaming)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(heartbeatCtx, conn)

	var ackDeadline *time.Timer
	if pending > 0 {
		ackDeadline = time.NewTimer(subscribeAckTimeout)
		defer ackDeadline.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if ackDeadline != nil && pending > 0 {
			select {
			case <-ackDeadline.C:
				return ErrSubscribeTimeout
			default:
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateStreaming {
				s.setState(StateDegraded)
			}
			return fmt.Errorf("read: %w", err)
		}
		s.touch()

		inbound, err := s.endpoint.Handle(raw)
		if err != nil {
			if errors.Is(err, ErrProtocolFatal) {
				return err
			}
			s.log.Debug().Err(err).Msg("Dropping unparseable frame")
			continue
		}

		switch inbound.Kind {
		case InboundAck:
			if pending > 0 {
				pending--
				if pending == 0 {
					s.setState(StateStreaming)
				}
			}
		case InboundPong, InboundIgnore:
			// heartbeat bookkeeping already done via touch
		case InboundData:
			metrics.MessagesReceived.WithLabelValues(
				string(s.endpoint.Exchange()), string(s.cfg.DataType)).Inc()
			msg := RawMessage{
				Exchange:      s.endpoint.Exchange(),
				MarketType:    s.cfg.MarketType,
				DataType:      s.cfg.DataType,
				Payload:       inbound.Payload,
				ReceiveTimeMS: types.NowMS(),
			}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return context.Canceled
			}
		}
	}
}

// heartbeat sends periodic pings; staleness is enforced by the read
// deadline in streamOnce.
func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if frame, ok := s.endpoint.PingFrame(); ok {
				if err := s.write(conn, websocket.TextMessage, frame); err != nil {
					return
				}
			} else {
				deadline := time.Now().Add(writeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}
}

func (s *Session) write(conn *websocket.Conn, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (s *Session) touch() {
	s.lastMsg.Store(time.Now().UnixNano())
}

// notifyStart resolves the Start call exactly once, on the first
// successful dial or the first failure.
func (s *Session) notifyStart(err error) {
	s.startOnce.Do(func() { s.startErr <- err })
}
