package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"panicrelay/relay"
)

// callRequest is the body of /start-call, /make-call and /send-sms, as JSON
// or form fields.
type callRequest struct {
	To   string `json:"to" form:"to"`
	Body string `json:"body" form:"body"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"server":    s.cfg.ServerURL,
		"phone":     s.cfg.TwilioPhoneNumber,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleWSStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	st, err := s.hub.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"clients":  st.Clients,
		"media":    st.Media,
		"sessions": st.Sessions,
		"active":   st.Active,
		"ready":    st.Ready,
	})
}

// handleStartCall places a one-off alert call outside any websocket session.
// A body, when given, goes out as an SMS after the call is placed.
func (s *Server) handleStartCall(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": relay.ErrNoDestination.Error()})
		return
	}

	ctx := c.Request.Context()
	call, err := s.gateway.PlaceCall(ctx, req.To)
	if err != nil {
		s.log.Error().Err(err).Str("to", req.To).Msg("http call failed")
		s.observe(relay.Event{Kind: relay.EventCallFailed, SessionID: "http", To: req.To, Err: err})
		s.respondError(c, err)
		return
	}
	s.observe(relay.Event{Kind: relay.EventCallPlaced, SessionID: "http", CallID: call.ID, To: req.To, Status: call.Status})

	status := call.Status
	if info, err := s.gateway.CallStatus(ctx, call.ID); err != nil {
		s.log.Warn().Err(err).Str("call", call.ID).Msg("initial status fetch failed")
	} else if info.Status != "" {
		status = info.Status
	}

	resp := gin.H{
		"success":   true,
		"callId":    call.ID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if body := strings.TrimSpace(req.Body); body != "" {
		if smsID, err := s.gateway.SendSMS(ctx, req.To, body); err != nil {
			s.log.Warn().Err(err).Str("to", req.To).Msg("http alert sms failed")
			s.observe(relay.Event{Kind: relay.EventSMSFailed, SessionID: "http", CallID: call.ID, To: req.To, Err: err})
		} else {
			resp["messageId"] = smsID
			s.observe(relay.Event{Kind: relay.EventSMSSent, SessionID: "http", CallID: call.ID, To: req.To, SMSID: smsID})
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSendSMS(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	req.To = strings.TrimSpace(req.To)
	switch {
	case req.To == "":
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": relay.ErrNoDestination.Error()})
		return
	case strings.TrimSpace(req.Body) == "":
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": relay.ErrNoBody.Error()})
		return
	}

	smsID, err := s.gateway.SendSMS(c.Request.Context(), req.To, req.Body)
	if err != nil {
		s.log.Error().Err(err).Str("to", req.To).Msg("http sms failed")
		s.observe(relay.Event{Kind: relay.EventSMSFailed, SessionID: "sms", To: req.To, Err: err})
		s.respondError(c, err)
		return
	}
	s.observe(relay.Event{Kind: relay.EventSMSSent, SessionID: "sms", To: req.To, SMSID: smsID})
	c.JSON(http.StatusOK, gin.H{"success": true, "messageId": smsID})
}

// respondError maps a gateway error onto the HTTP error body. Only provider
// reasons and input errors are shown.
func (s *Server) respondError(c *gin.Context, err error) {
	var pe *relay.ProviderError
	switch {
	case errors.As(err, &pe):
		code := http.StatusInternalServerError
		if pe.Status >= 400 && pe.Status < 500 {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{
			"success": false,
			"error":   pe.Message,
			"details": gin.H{"code": pe.Code, "status": pe.Status, "moreInfo": pe.MoreInfo},
		})
	case errors.Is(err, relay.ErrInvalidDestination):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "telephony provider unavailable"})
	}
}

type jsonStatus struct {
	CallID       string `json:"callId"`
	CallSid      string `json:"CallSid"`
	Status       string `json:"status"`
	CallStatus   string `json:"CallStatus"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Duration     string `json:"duration"`
}

// parseStatusUpdate accepts Twilio's form callback or a JSON body.
func parseStatusUpdate(c *gin.Context) relay.StatusUpdate {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var js jsonStatus
		if err := c.ShouldBindJSON(&js); err != nil {
			return relay.StatusUpdate{}
		}
		return relay.StatusUpdate{
			CallID:       firstNonEmpty(js.CallID, js.CallSid),
			Status:       firstNonEmpty(js.Status, js.CallStatus),
			ErrorCode:    js.ErrorCode,
			ErrorMessage: js.ErrorMessage,
			Duration:     js.Duration,
		}
	}
	return relay.StatusUpdate{
		CallID:       c.PostForm("CallSid"),
		Status:       c.PostForm("CallStatus"),
		ErrorCode:    c.PostForm("ErrorCode"),
		ErrorMessage: c.PostForm("ErrorMessage"),
		Duration:     c.PostForm("CallDuration"),
	}
}

// handleCallStatus always answers 200 so the provider does not retry.
func (s *Server) handleCallStatus(c *gin.Context) {
	u := parseStatusUpdate(c)
	if u.CallID == "" || u.Status == "" {
		s.log.Warn().Str("call", u.CallID).Str("status", u.Status).Msg("status callback without call id or status")
		c.Status(http.StatusOK)
		return
	}

	s.log.Info().
		Str("call", u.CallID).
		Str("status", u.Status).
		Str("direction", c.PostForm("Direction")).
		Str("duration", u.Duration).
		Msg("call status")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	matched, err := s.hub.CallStatus(ctx, u)
	if err != nil {
		s.log.Warn().Err(err).Str("call", u.CallID).Msg("status not delivered to hub")
	}
	if !matched {
		// Calls placed over HTTP have no session; keep their journal current.
		s.observe(relay.Event{Kind: relay.EventStatus, SessionID: "http", CallID: u.CallID, Status: u.Status})
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleTestTwilio(c *gin.Context) {
	ctx := c.Request.Context()
	acct, err := s.account.FetchAccount(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("account check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	numbers, err := s.account.ListPhoneNumbers(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("number listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, gin.H{
			"phoneNumber":  n.PhoneNumber,
			"friendlyName": n.FriendlyName,
			"capabilities": n.Capabilities,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"account": gin.H{"sid": acct.SID, "status": acct.Status, "type": acct.Type},
		"numbers": out,
	})
}

// handleSessions lists the live websocket sessions and their calls.
func (s *Server) handleSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	sessions, err := s.hub.Sessions(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleCalls(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	calls, err := s.db.ListCalls(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list calls")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	if calls == nil {
		calls = []CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

func (s *Server) handleCallDetail(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	sid := c.Param("sid")
	call, err := s.db.GetCall(sid)
	if err != nil {
		s.log.Error().Err(err).Str("call", sid).Msg("get call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	if call == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	events, err := s.db.CallEvents(sid)
	if err != nil {
		s.log.Error().Err(err).Str("call", sid).Msg("call events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call, "events": events})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
