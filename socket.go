package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"panicrelay/relay"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

type outFrame struct {
	kind int
	data []byte
}

// wsPeer adapts a websocket connection to relay.Peer. The hub only ever
// enqueues; readPump and writePump own the connection.
type wsPeer struct {
	id   string
	kind relay.PeerKind
	conn *websocket.Conn
	hub  *relay.Hub
	log  zerolog.Logger

	send      chan outFrame
	done      chan struct{}
	closeOnce sync.Once

	// wrap rewrites an outbound binary frame before it is written. Media
	// stream peers use it to turn audio into provider JSON events.
	wrap func(frame []byte) (int, []byte, bool)
}

func newPeer(conn *websocket.Conn, hub *relay.Hub, kind relay.PeerKind, queue int, logger zerolog.Logger) *wsPeer {
	id := relay.NewID()
	return &wsPeer{
		id:   id,
		kind: kind,
		conn: conn,
		hub:  hub,
		log:  logger.With().Str("peer", id).Str("kind", kind.String()).Logger(),
		send: make(chan outFrame, queue),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string           { return p.id }
func (p *wsPeer) Kind() relay.PeerKind { return p.kind }

func (p *wsPeer) SendText(msg relay.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Str("type", msg.Type).Msg("encode message")
		return false
	}
	return p.enqueue(outFrame{kind: websocket.TextMessage, data: data})
}

func (p *wsPeer) SendBinary(frame []byte) bool {
	return p.enqueue(outFrame{kind: websocket.BinaryMessage, data: frame})
}

func (p *wsPeer) Ping() bool {
	return p.enqueue(outFrame{kind: websocket.PingMessage})
}

func (p *wsPeer) enqueue(f outFrame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- f:
		return true
	default:
		p.log.Warn().Int("queue", cap(p.send)).Msg("send queue full, frame dropped")
		return false
	}
}

// Close stops the write pump, which closes the connection. It is safe to
// call more than once.
func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// run registers the peer and blocks in the read pump until the connection
// ends.
func (p *wsPeer) run(onText func(data []byte)) {
	go p.writePump()
	if err := p.hub.Register(p); err != nil {
		p.log.Warn().Err(err).Msg("hub refused peer")
		_ = p.Close()
		return
	}
	p.readPump(onText)
}

func (p *wsPeer) readPump(onText func(data []byte)) {
	reason := "connection closed"
	defer func() {
		p.hub.Unregister(p.id, reason)
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetPongHandler(func(string) error {
		p.hub.Pong(p.id)
		return nil
	})

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.log.Info().Err(err).Msg("read error")
				reason = "read error"
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			onText(data)
		case websocket.BinaryMessage:
			p.hub.Audio(p.id, data)
		}
	}
}

func (p *wsPeer) writePump() {
	defer p.conn.Close()

	for {
		select {
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case f := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			switch f.kind {
			case websocket.PingMessage:
				err = p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			case websocket.BinaryMessage:
				kind, data := f.kind, f.data
				if p.wrap != nil {
					var ok bool
					if kind, data, ok = p.wrap(f.data); !ok {
						continue
					}
				}
				err = p.conn.WriteMessage(kind, data)
			default:
				err = p.conn.WriteMessage(f.kind, f.data)
			}
			if err != nil {
				p.log.Debug().Err(err).Msg("write failed")
				_ = p.Close()
				return
			}
		}
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowedOrigins) == 0 || origin == "" || isAllowedOrigin(origin, allowedOrigins)
		},
	}
}

// handleClientSocket serves panic-button and operator connections.
func (s *Server) handleClientSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	p := newPeer(conn, s.hub, relay.PeerClient, s.cfg.SendQueue, s.log)
	p.log.Info().Str("client_ip", c.ClientIP()).Msg("client connected")
	p.run(func(data []byte) {
		s.hub.Control(p.id, data)
	})
}
