package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type smsResult struct {
	peerID    string
	to        string
	messageID string
	err       error
}

// route dispatches one text frame from a client peer. Errors go back to
// that peer only.
func (h *Hub) route(c *conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Debug().Err(err).Str("peer", c.peer.ID()).Msg("malformed control frame")
		c.peer.SendText(Message{Type: TypeError, Message: "malformed control message"})
		return
	}
	msg.To = strings.TrimSpace(msg.To)

	switch msg.Type {
	case TypeStartCall:
		if msg.To == "" {
			c.peer.SendText(errorMessage(ErrNoDestination))
			return
		}
		h.startCall(c, msg)

	case TypeSendSMS:
		if msg.To == "" {
			c.peer.SendText(errorMessage(ErrNoDestination))
			return
		}
		if strings.TrimSpace(msg.Body) == "" {
			c.peer.SendText(errorMessage(ErrNoBody))
			return
		}
		h.sendSMS(c, msg)

	case TypePing:
		c.peer.SendText(Message{Type: TypePong})

	case "":
		c.peer.SendText(Message{Type: TypeError, Message: "message type is required"})

	default:
		c.peer.SendText(Message{Type: TypeError, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (h *Hub) sendSMS(c *conn, msg Message) {
	id := c.peer.ID()
	h.log.Info().Str("peer", id).Str("to", msg.To).Msg("sending sms")
	h.spawn(func(ctx context.Context) {
		messageID, err := h.gateway.SendSMS(ctx, msg.To, msg.Body)
		h.post(smsResult{peerID: id, to: msg.To, messageID: messageID, err: err})
	})
}

func (h *Hub) onSMSResult(r smsResult) {
	if r.err != nil {
		h.log.Error().Err(r.err).Str("peer", r.peerID).Str("to", r.to).Msg("sms failed")
		h.notify(Event{Kind: EventSMSFailed, SessionID: r.peerID, To: r.to, Err: r.err})
	} else {
		h.notify(Event{Kind: EventSMSSent, SessionID: r.peerID, To: r.to, SMSID: r.messageID})
		if s, ok := h.sessions[r.peerID]; ok {
			s.SMSID = r.messageID
		}
	}

	c, ok := h.registry.get(r.peerID)
	if !ok {
		return
	}
	if r.err != nil {
		c.peer.SendText(errorMessage(r.err))
		return
	}
	c.peer.SendText(Message{Type: TypeSMSSent, MessageID: r.messageID})
}
