package relay

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the call lifecycle of one client connection. Its id is the
// connection id. Sessions are only read and written on the hub goroutine.
type Session struct {
	ID         string
	To         string
	CallID     string
	SMSID      string
	State      State
	LastStatus string
	CreatedAt  time.Time

	terminateIssued bool
}

// SessionInfo is a copy of a session handed out of the hub.
type SessionInfo struct {
	ID         string    `json:"id"`
	To         string    `json:"to"`
	CallID     string    `json:"callId,omitempty"`
	SMSID      string    `json:"smsId,omitempty"`
	State      string    `json:"state"`
	LastStatus string    `json:"lastStatus,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		To:         s.To,
		CallID:     s.CallID,
		SMSID:      s.SMSID,
		State:      s.State.String(),
		LastStatus: s.LastStatus,
		CreatedAt:  s.CreatedAt,
	}
}

type dialResult struct {
	session *Session
	call    CallInfo
	err     error
	smsID   string
	smsErr  error
	smsSent bool
}

type terminateResult struct {
	session *Session
	callID  string
	err     error
}

// startCall handles Idle --start_call--> Dialing.
func (h *Hub) startCall(c *conn, msg Message) {
	id := c.peer.ID()
	s, ok := h.sessions[id]
	if !ok {
		s = &Session{ID: id, State: StateIdle, CreatedAt: h.now()}
		h.sessions[id] = s
		c.session = id
	}
	if s.State != StateIdle {
		h.log.Warn().Str("session", id).Str("state", s.State.String()).Msg("start_call rejected")
		c.peer.SendText(errorMessage(ErrSessionBusy))
		return
	}

	s.State = StateDialing
	s.To = msg.To
	body := msg.Body
	if body == "" {
		body = h.policy.DefaultSMSBody
	}
	h.log.Info().Str("session", id).Str("to", s.To).Str("sms", h.policy.SMSOrder.String()).Msg("dialing")
	h.spawn(func(ctx context.Context) {
		h.post(h.dial(ctx, s, s.To, body))
	})
}

// dial runs off the hub goroutine. The SMS is best-effort and never decides
// the outcome of the call attempt.
func (h *Hub) dial(ctx context.Context, s *Session, to, body string) dialResult {
	res := dialResult{session: s}
	sms := func() {
		res.smsSent = true
		res.smsID, res.smsErr = h.gateway.SendSMS(ctx, to, body)
	}
	call := func() {
		res.call, res.err = h.gateway.PlaceCall(ctx, to)
	}

	switch h.policy.SMSOrder {
	case SMSBefore:
		sms()
		call()
	case SMSAfter:
		call()
		sms()
	case SMSParallel:
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			sms()
		}()
		call()
		wg.Wait()
	default:
		call()
	}
	return res
}

func (h *Hub) onDialResult(r dialResult) {
	s := r.session
	if h.sessions[s.ID] != s {
		return
	}
	c, connected := h.registry.get(s.ID)

	if r.smsSent {
		if r.smsErr != nil {
			h.log.Warn().Err(r.smsErr).Str("session", s.ID).Msg("alert sms failed")
		} else {
			s.SMSID = r.smsID
			if connected {
				c.peer.SendText(Message{Type: TypeSMSSent, MessageID: r.smsID})
			}
		}
	}

	// Observers see the call before the SMS so the SMS can be filed under it.
	switch s.State {
	case StateDialing:
		if r.err != nil {
			s.State = StateIdle
			h.log.Error().Err(r.err).Str("session", s.ID).Str("to", s.To).Msg("call failed")
			h.notify(Event{Kind: EventCallFailed, SessionID: s.ID, To: s.To, Err: r.err})
			h.notifySMS(s, r)
			if connected {
				c.peer.SendText(errorMessage(r.err))
			}
			return
		}
		h.bindCall(s, r.call)
		s.State = StateActive
		h.notifySMS(s, r)
		h.log.Info().Str("session", s.ID).Str("call", s.CallID).Msg("call active")
		if connected {
			c.peer.SendText(Message{Type: TypeCallStarted, CallID: s.CallID, Status: r.call.Status})
		}

	case StateTerminating:
		// The client left while the call was being placed.
		if r.err != nil {
			h.log.Info().Err(r.err).Str("session", s.ID).Msg("call failed after disconnect")
			h.notify(Event{Kind: EventCallFailed, SessionID: s.ID, To: s.To, Err: r.err})
			h.notifySMS(s, r)
			h.closeSession(s, "dial failed")
			return
		}
		h.bindCall(s, r.call)
		h.notifySMS(s, r)
		h.terminate(s)
	}
}

// notifySMS reports the alert SMS outcome, tagged with the session's call id
// when the call went through.
func (h *Hub) notifySMS(s *Session, r dialResult) {
	if !r.smsSent {
		return
	}
	if r.smsErr != nil {
		h.notify(Event{Kind: EventSMSFailed, SessionID: s.ID, CallID: s.CallID, To: s.To, Err: r.smsErr})
		return
	}
	h.notify(Event{Kind: EventSMSSent, SessionID: s.ID, CallID: s.CallID, To: s.To, SMSID: r.smsID})
}

func (h *Hub) bindCall(s *Session, call CallInfo) {
	s.CallID = call.ID
	s.LastStatus = call.Status
	h.calls[call.ID] = s.ID
	h.notify(Event{Kind: EventCallPlaced, SessionID: s.ID, To: s.To, CallID: call.ID, Status: call.Status})
}

// disconnect applies the "connection closed" transition to a session.
func (h *Hub) disconnect(s *Session) {
	switch s.State {
	case StateIdle:
		h.closeSession(s, "connection closed")
	case StateDialing:
		// Wait for the dial result; onDialResult issues the terminate.
		s.State = StateTerminating
	case StateActive:
		h.terminate(s)
	}
}

// terminate issues the single terminate request for a session's call.
func (h *Hub) terminate(s *Session) {
	if s.terminateIssued {
		return
	}
	s.terminateIssued = true
	s.State = StateTerminating
	callID := s.CallID
	h.log.Info().Str("session", s.ID).Str("call", callID).Msg("terminating call")
	h.spawn(func(ctx context.Context) {
		err := h.gateway.TerminateCall(ctx, callID)
		h.post(terminateResult{session: s, callID: callID, err: err})
	})
}

func (h *Hub) onTerminateResult(r terminateResult) {
	s := r.session
	if h.sessions[s.ID] != s {
		return
	}
	if r.err != nil {
		h.log.Error().Err(r.err).Str("session", s.ID).Str("call", r.callID).Msg("terminate failed")
	} else {
		h.log.Info().Str("session", s.ID).Str("call", r.callID).Msg("call terminated")
	}
	h.notify(Event{Kind: EventTerminated, SessionID: s.ID, CallID: r.callID, Err: r.err})
	h.closeSession(s, "terminated")
}

// closeSession moves a session to Closed and forgets it.
func (h *Hub) closeSession(s *Session, reason string) {
	s.State = StateClosed
	delete(h.sessions, s.ID)
	if s.CallID != "" && h.calls[s.CallID] == s.ID {
		delete(h.calls, s.CallID)
	}
	h.log.Info().Str("session", s.ID).Str("call", s.CallID).Str("reason", reason).Msg("session closed")
	h.notify(Event{Kind: EventSessionClosed, SessionID: s.ID, CallID: s.CallID, To: s.To, Status: reason})
	h.checkDrained()
}
