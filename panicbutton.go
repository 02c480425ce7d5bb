package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"panicrelay/relay"
)

// ButtonClient is the device side of the relay: it connects to /ws the way
// a panic button does. The CLI uses it to trigger and monitor alerts.
type ButtonClient struct {
	relayURL string
	log      zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// ButtonEvent is one frame received from the relay.
type ButtonEvent struct {
	Message relay.Message
	Audio   []byte
}

func NewButtonClient(relayURL string, logger zerolog.Logger) *ButtonClient {
	return &ButtonClient{relayURL: relayURL, log: logger}
}

// socketURL turns the relay's http(s) base URL into its client websocket URL.
func socketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("relay url %q must be http(s) or ws(s)", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (b *ButtonClient) connect(ctx context.Context) error {
	u, err := socketURL(b.relayURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.log.Info().Str("url", u).Msg("connected to relay")
	return nil
}

// Send writes one control message.
func (b *ButtonClient) Send(msg relay.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("not connected")
	}
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return b.conn.WriteJSON(msg)
}

func (b *ButtonClient) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// session reads frames until the connection fails, ctx ends or handle
// returns false. It pings every 15 seconds to keep mobile links open.
func (b *ButtonClient) session(ctx context.Context, handle func(ButtonEvent) bool) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	frames := make(chan ButtonEvent)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			ev := ButtonEvent{}
			if kind == websocket.BinaryMessage {
				ev.Audio = data
			} else if err := json.Unmarshal(data, &ev.Message); err != nil {
				b.log.Warn().Err(err).Msg("invalid relay message")
				continue
			}
			select {
			case frames <- ev:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			b.mu.Unlock()
			if err != nil {
				return err
			}
		case err := <-errCh:
			return err
		case ev := <-frames:
			if !handle(ev) {
				return nil
			}
		}
	}
}

// Trigger connects, asks for an alert call to `to` and reports every frame
// until the call ends. Leaving early hangs the call up.
func (b *ButtonClient) Trigger(ctx context.Context, to, body string, handle func(ButtonEvent)) error {
	if err := b.connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer b.close()

	if err := b.Send(relay.Message{Type: relay.TypeStartCall, To: to, Body: body}); err != nil {
		return fmt.Errorf("send start_call: %w", err)
	}

	var failure error
	err := b.session(ctx, func(ev ButtonEvent) bool {
		handle(ev)
		switch ev.Message.Type {
		case relay.TypeError:
			failure = fmt.Errorf("relay: %s", ev.Message.Message)
			return false
		case relay.TypeCallStatus:
			return !relay.IsTerminalStatus(ev.Message.Status)
		}
		return true
	})
	if failure != nil {
		return failure
	}
	return err
}

// Listen stays connected, reconnecting after failures, and reports every
// frame until ctx ends.
func (b *ButtonClient) Listen(ctx context.Context, handle func(ButtonEvent)) error {
	backoff := time.Second
	for {
		if err := b.connect(ctx); err != nil {
			b.log.Warn().Err(err).Dur("retry", backoff).Msg("relay connection failed")
		} else {
			backoff = time.Second
			err := b.session(ctx, func(ev ButtonEvent) bool {
				handle(ev)
				return true
			})
			b.close()
			if ctx.Err() != nil {
				return nil
			}
			b.log.Info().Err(err).Msg("relay connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
