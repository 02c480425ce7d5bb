// Package relay is the session orchestration and audio relay engine.
//
// A Hub owns every connected Peer and every call Session. All state changes
// happen on the hub's own goroutine: peers, webhook handlers, heartbeat ticks
// and telephony completions post events to it and never touch the registry or
// a session directly. Provider calls run on their own goroutines and report
// back with an event, so a slow provider only stalls the session that is
// waiting on it.
package relay

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Control message types exchanged over the client websocket.
const (
	TypeWelcome     = "welcome"
	TypeStartCall   = "start_call"
	TypeSendSMS     = "send_sms"
	TypeCallStarted = "call_started"
	TypeSMSSent     = "sms_sent"
	TypeCallStatus  = "call_status"
	TypeError       = "error"
	TypeAck         = "ack"
	TypePing        = "ping"
	TypePong        = "pong"
)

var (
	// ErrSessionBusy is returned when a call is requested while one is
	// already being dialed or is active.
	ErrSessionBusy = errors.New("a call is already in progress for this connection")
	// ErrNoDestination is returned when a request carries no destination.
	ErrNoDestination = errors.New("destination number is required")
	// ErrNoBody is returned when an SMS request has no text.
	ErrNoBody = errors.New("message body is required")
	// ErrInvalidDestination wraps destination rewriting failures.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrHubClosed is returned by hub calls made after Run has returned.
	ErrHubClosed = errors.New("relay hub is closed")
)

// Message is a JSON control frame. Inbound frames use Type, To and Body;
// the remaining fields are set on server replies.
type Message struct {
	Type      string `json:"type"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	CallID    string `json:"callId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// PeerKind distinguishes panic/operator clients from provider media streams.
type PeerKind int

const (
	// PeerClient is a panic button or operator websocket.
	PeerClient PeerKind = iota
	// PeerMedia is a provider media stream attached to a placed call.
	PeerMedia
)

func (k PeerKind) String() string {
	if k == PeerMedia {
		return "media"
	}
	return "client"
}

// Peer is one end of a duplex connection registered with the hub.
//
// Send methods must not block: implementations enqueue onto a bounded queue
// and report false when the frame was dropped or the peer is closing.
type Peer interface {
	ID() string
	Kind() PeerKind
	SendText(msg Message) bool
	SendBinary(frame []byte) bool
	// Ping sends a liveness probe. The peer reports the answer with Hub.Pong.
	Ping() bool
	Close() error
}

// SMSOrder decides whether and when an SMS accompanies a start_call.
type SMSOrder int

const (
	SMSOff SMSOrder = iota
	SMSBefore
	SMSAfter
	SMSParallel
)

// ParseSMSOrder maps a config value to an SMSOrder.
func ParseSMSOrder(s string) (SMSOrder, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return SMSOff, true
	case "before":
		return SMSBefore, true
	case "after":
		return SMSAfter, true
	case "parallel":
		return SMSParallel, true
	}
	return SMSOff, false
}

func (o SMSOrder) String() string {
	switch o {
	case SMSBefore:
		return "before"
	case SMSAfter:
		return "after"
	case SMSParallel:
		return "parallel"
	default:
		return "off"
	}
}

// Policy holds the relay behaviour that deployments choose.
type Policy struct {
	SMSOrder       SMSOrder
	DefaultSMSBody string
	// EchoAudio sends a sender's frames back to the sender as well.
	EchoAudio bool
	// AckAudio answers every binary frame with {type:"ack", size}.
	AckAudio bool

	HeartbeatInterval time.Duration
	MaxMisses         int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		SMSOrder:          SMSOff,
		DefaultSMSBody:    "Emergency alert triggered. You are receiving a call now.",
		HeartbeatInterval: 30 * time.Second,
		MaxMisses:         3,
	}
}

// NewID returns a fresh connection id.
func NewID() string {
	return uuid.NewString()
}
