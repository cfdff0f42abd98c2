package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/marketprism/marketprism/internal/types"
)

// State is the session lifecycle state machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateSubscribing
	StateStreaming
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session-level failure classes.
var (
	// ErrProtocolFatal halts the session: auth failures, forbidden
	// subscriptions. No retry.
	ErrProtocolFatal = errors.New("protocol fatal")
	// ErrSubscribeTimeout triggers a reconnect when the venue never acks a
	// subscription.
	ErrSubscribeTimeout = errors.New("subscribe ack timeout")
)

// RawMessage is one inbound payload plus its receive time, emitted through
// the session's bounded channel.
type RawMessage struct {
	Exchange      types.Exchange
	MarketType    types.MarketType
	DataType      types.DataType
	Payload       []byte
	ReceiveTimeMS int64
}

// InboundKind classifies a frame handed back by an Endpoint.
type InboundKind int

const (
	// InboundData is a market data payload to forward.
	InboundData InboundKind = iota
	// InboundAck confirms a subscription.
	InboundAck
	// InboundPong answers an application-level ping.
	InboundPong
	// InboundIgnore is venue chatter with no pipeline meaning.
	InboundIgnore
)

// Inbound is an Endpoint's classification of one frame.
type Inbound struct {
	Kind    InboundKind
	Payload []byte
}

// Endpoint is the per-venue protocol strategy selected by value, not
// subclass: URLs, subscription frames, heartbeat format and frame
// classification.
type Endpoint interface {
	Exchange() types.Exchange

	// URL returns the WebSocket endpoint for one (market type, data type)
	// session over the given native symbols.
	URL(marketType types.MarketType, dataType types.DataType, symbols []string) (string, error)

	// SubscribeFrames returns the frames to send after connect. Empty when
	// the URL itself carries the subscription.
	SubscribeFrames(marketType types.MarketType, dataType types.DataType, symbols []string) ([][]byte, error)

	// ExpectsAck reports whether SubscribeFrames are acknowledged; when
	// true the session enforces the ack timeout.
	ExpectsAck() bool

	// Handle classifies one inbound frame. A wrapped ErrProtocolFatal
	// halts the session.
	Handle(raw []byte) (Inbound, error)

	// PingFrame returns the application-level heartbeat frame, or ok=false
	// when WebSocket protocol pings suffice.
	PingFrame() (frame []byte, ok bool)
}

// Client is the public contract of one logical session.
type Client interface {
	Start(ctx context.Context) error
	Stop() error
	State() State
	// Messages is the bounded output channel. Closed after Stop.
	Messages() <-chan RawMessage
	LastMessageTime() time.Time
}
