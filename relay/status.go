package relay

import "strings"

// StatusUpdate is a provider callback about one call.
type StatusUpdate struct {
	CallID       string
	Status       string
	ErrorCode    string
	ErrorMessage string
	Duration     string
}

// IsTerminalStatus reports whether status means the call has ended.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "failed", "busy", "no-answer", "canceled":
		return true
	}
	return false
}

type statusEvent struct {
	update StatusUpdate
	reply  chan bool
}

// onStatus correlates a callback with a session by call id. Unknown ids are
// dropped; the caller still acknowledges them to the provider.
func (h *Hub) onStatus(u StatusUpdate) bool {
	sid, ok := h.calls[u.CallID]
	if !ok {
		h.log.Debug().Str("call", u.CallID).Str("status", u.Status).Msg("status for unknown call")
		return false
	}
	s, ok := h.sessions[sid]
	if !ok {
		delete(h.calls, u.CallID)
		return false
	}

	s.LastStatus = u.Status
	h.notify(Event{Kind: EventStatus, SessionID: s.ID, CallID: u.CallID, To: s.To, Status: u.Status})
	if c, ok := h.registry.get(s.ID); ok {
		c.peer.SendText(Message{Type: TypeCallStatus, CallID: u.CallID, Status: u.Status})
	}

	if !IsTerminalStatus(u.Status) {
		return true
	}
	l := h.log.Info().Str("session", s.ID).Str("call", u.CallID).Str("status", u.Status)
	if u.ErrorCode != "" {
		l = l.Str("error_code", u.ErrorCode).Str("error_message", u.ErrorMessage)
	}
	l.Msg("provider ended call")

	// A terminate already in flight finishes the session on its own.
	if s.State == StateActive {
		h.closeSession(s, "provider status "+u.Status)
	}
	return true
}
