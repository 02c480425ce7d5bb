package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EventKind labels a session event reported to an Observer.
type EventKind string

const (
	EventCallPlaced    EventKind = "call_placed"
	EventCallFailed    EventKind = "call_failed"
	EventSMSSent       EventKind = "sms_sent"
	EventSMSFailed     EventKind = "sms_failed"
	EventStatus        EventKind = "status"
	EventTerminated    EventKind = "terminated"
	EventSessionClosed EventKind = "session_closed"
)

// Event describes something that happened to a session.
type Event struct {
	Kind      EventKind
	SessionID string
	CallID    string
	SMSID     string
	To        string
	Status    string
	Err       error
	At        time.Time
}

// Observer receives session events. Observe is called on the hub goroutine
// and must not block.
type Observer interface {
	Observe(ev Event)
}

// Stats is a snapshot of the hub for status endpoints.
type Stats struct {
	Clients  int  `json:"clients"`
	Media    int  `json:"media"`
	Sessions int  `json:"sessions"`
	Active   int  `json:"active"`
	Ready    bool `json:"ready"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithPolicy sets the relay policy.
func WithPolicy(p Policy) Option {
	return func(h *Hub) {
		h.policy = p
	}
}

// WithLogger sets the hub logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) {
		h.log = l
	}
}

// WithObserver registers an observer for session events.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		h.observers = append(h.observers, o)
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// Hub owns the connection registry and all sessions.
type Hub struct {
	gateway   Gateway
	policy    Policy
	log       zerolog.Logger
	observers []Observer
	now       func() time.Time

	events chan any
	quit   chan struct{}
	// opCtx is used for provider calls. It is not cancelled when Run
	// returns, so a terminate that is already under way completes.
	opCtx context.Context

	// Owned by the Run goroutine.
	registry *registry
	sessions map[string]*Session
	calls    map[string]string
	draining bool
	drained  chan struct{}
}

// New creates a hub that places calls through gw.
func New(gw Gateway, opts ...Option) *Hub {
	h := &Hub{
		gateway:  gw,
		policy:   DefaultPolicy(),
		log:      zerolog.Nop(),
		now:      time.Now,
		events:   make(chan any, 256),
		quit:     make(chan struct{}),
		opCtx:    context.Background(),
		registry: newRegistry(),
		sessions: make(map[string]*Session),
		calls:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.policy.MaxMisses <= 0 {
		h.policy.MaxMisses = 1
	}
	return h
}

type (
	registerEvent   struct{ peer Peer }
	unregisterEvent struct {
		id     string
		reason string
	}
	controlEvent struct {
		id   string
		data []byte
	}
	audioEvent struct {
		id    string
		frame []byte
	}
	pongEvent struct{ id string }
	bindEvent struct {
		id     string
		callID string
	}
	tickEvent     struct{}
	queryEvent    struct{ fn func() }
	shutdownEvent struct{ done chan struct{} }
)

// Run processes events until ctx is cancelled. Peers still registered at
// that point are closed without tearing down their calls; use Shutdown
// first for an orderly stop.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.quit)

	var tick <-chan time.Time
	if h.policy.HeartbeatInterval > 0 {
		t := time.NewTicker(h.policy.HeartbeatInterval)
		defer t.Stop()
		tick = t.C
	}

	h.log.Info().
		Dur("heartbeat", h.policy.HeartbeatInterval).
		Int("max_misses", h.policy.MaxMisses).
		Str("sms", h.policy.SMSOrder.String()).
		Bool("echo", h.policy.EchoAudio).
		Msg("relay hub running")

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.registry.conns {
				_ = c.peer.Close()
			}
			return ctx.Err()
		case <-tick:
			h.heartbeat(h.now())
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev any) {
	switch ev := ev.(type) {
	case registerEvent:
		h.register(ev.peer)
	case unregisterEvent:
		h.unregister(ev.id, ev.reason)
	case controlEvent:
		if c, ok := h.registry.get(ev.id); ok {
			c.lastSeen = h.now()
			if c.peer.Kind() == PeerClient {
				h.route(c, ev.data)
			}
		}
	case audioEvent:
		h.relay(ev.id, ev.frame)
	case pongEvent:
		h.onPong(ev.id, h.now())
	case bindEvent:
		h.bind(ev.id, ev.callID)
	case tickEvent:
		h.heartbeat(h.now())
	case dialResult:
		h.onDialResult(ev)
	case terminateResult:
		h.onTerminateResult(ev)
	case smsResult:
		h.onSMSResult(ev)
	case statusEvent:
		ev.reply <- h.onStatus(ev.update)
	case queryEvent:
		ev.fn()
	case shutdownEvent:
		h.shutdown(ev.done)
	}
}

// post delivers an event to the hub goroutine. It reports false once Run
// has returned.
func (h *Hub) post(ev any) bool {
	select {
	case <-h.quit:
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	case <-h.quit:
		return false
	}
}

// spawn runs a provider operation off the hub goroutine.
func (h *Hub) spawn(fn func(ctx context.Context)) {
	go fn(h.opCtx)
}

func (h *Hub) notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	for _, o := range h.observers {
		o.Observe(ev)
	}
}

// Register adds a peer. Client peers are greeted with a welcome message.
func (h *Hub) Register(p Peer) error {
	if !h.post(registerEvent{peer: p}) {
		return ErrHubClosed
	}
	return nil
}

// Unregister removes a peer and tears down its session.
func (h *Hub) Unregister(id, reason string) {
	h.post(unregisterEvent{id: id, reason: reason})
}

// Control hands a text frame from a peer to the router.
func (h *Hub) Control(id string, data []byte) {
	h.post(controlEvent{id: id, data: data})
}

// Audio hands a binary frame from a peer to the relay.
func (h *Hub) Audio(id string, frame []byte) {
	h.post(audioEvent{id: id, frame: frame})
}

// Pong records a liveness answer from a peer.
func (h *Hub) Pong(id string) {
	h.post(pongEvent{id: id})
}

// Bind attaches a media peer to the session that owns callID.
func (h *Hub) Bind(id, callID string) {
	h.post(bindEvent{id: id, callID: callID})
}

// Tick runs one heartbeat round immediately.
func (h *Hub) Tick() {
	h.post(tickEvent{})
}

// CallStatus applies a provider callback and reports whether it matched a
// live session.
func (h *Hub) CallStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	reply := make(chan bool, 1)
	if !h.post(statusEvent{update: u, reply: reply}) {
		return false, ErrHubClosed
	}
	select {
	case matched := <-reply:
		return matched, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// query runs fn on the hub goroutine and waits for it.
func (h *Hub) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !h.post(queryEvent{fn: func() {
		fn()
		close(done)
	}}) {
		return ErrHubClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of registered peers and sessions.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.query(ctx, func() {
		st.Clients = h.registry.count(PeerClient)
		st.Media = h.registry.count(PeerMedia)
		st.Sessions = len(h.sessions)
		for _, s := range h.sessions {
			if s.State == StateActive {
				st.Active++
			}
		}
		st.Ready = !h.draining
	})
	return st, err
}

// Session returns a copy of the session with the given id.
func (h *Hub) Session(ctx context.Context, id string) (SessionInfo, bool, error) {
	var (
		info SessionInfo
		ok   bool
	)
	err := h.query(ctx, func() {
		if s, found := h.sessions[id]; found {
			info, ok = s.info(), true
		}
	})
	return info, ok, err
}

// Sessions returns copies of every live session.
func (h *Hub) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := h.query(ctx, func() {
		out = make([]SessionInfo, 0, len(h.sessions))
		for _, s := range h.sessions {
			out = append(out, s.info())
		}
	})
	return out, err
}

// Shutdown disconnects every peer, which terminates live calls, and waits
// until all sessions are closed or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if !h.post(shutdownEvent{done: done}) {
		return ErrHubClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) register(p Peer) {
	if h.draining {
		_ = p.Close()
		return
	}
	if _, ok := h.registry.add(p, h.now()); !ok {
		return
	}
	h.log.Info().Str("peer", p.ID()).Str("kind", p.Kind().String()).Int("peers", h.registry.len()).Msg("peer registered")
	if p.Kind() == PeerClient {
		p.SendText(Message{Type: TypeWelcome, ClientID: p.ID()})
	}
}

func (h *Hub) unregister(id, reason string) {
	c, ok := h.registry.remove(id)
	if !ok {
		return
	}
	_ = c.peer.Close()
	h.log.Info().Str("peer", id).Str("reason", reason).Int("peers", h.registry.len()).Msg("peer unregistered")

	// A media stream ending does not end the call; the provider reports
	// that through a status callback.
	if c.peer.Kind() != PeerClient {
		return
	}
	if s, ok := h.sessions[id]; ok {
		h.disconnect(s)
	}
}

// relay broadcasts a frame when the sender's session is active. Frames
// that arrive before that are dropped, not buffered.
func (h *Hub) relay(id string, frame []byte) {
	c, ok := h.registry.get(id)
	if !ok {
		return
	}
	c.lastSeen = h.now()
	if h.policy.AckAudio && c.peer.Kind() == PeerClient {
		c.peer.SendText(Message{Type: TypeAck, Size: len(frame)})
	}
	s, ok := h.sessions[c.session]
	if !ok || s.State != StateActive {
		return
	}
	h.registry.broadcast(id, frame, h.policy.EchoAudio)
}

func (h *Hub) bind(id, callID string) {
	c, ok := h.registry.get(id)
	if !ok {
		return
	}
	sid, ok := h.calls[callID]
	if !ok {
		h.log.Warn().Str("peer", id).Str("call", callID).Msg("media stream for unknown call")
		return
	}
	c.session = sid
	h.log.Info().Str("peer", id).Str("call", callID).Str("session", sid).Msg("media stream bound")
}

func (h *Hub) shutdown(done chan struct{}) {
	if h.draining {
		close(done)
		return
	}
	h.draining = true
	h.drained = done
	ids := make([]string, 0, h.registry.len())
	for id := range h.registry.conns {
		ids = append(ids, id)
	}
	for _, id := range ids {
		h.unregister(id, "shutdown")
	}
	h.checkDrained()
}

func (h *Hub) checkDrained() {
	if h.draining && h.drained != nil && len(h.sessions) == 0 {
		close(h.drained)
		h.drained = nil
	}
}
