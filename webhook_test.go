package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"panicrelay/relay"
)

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return serve(t, s, req)
}

func doForm(t *testing.T, s *Server, path string, form url.Values) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return serve(t, s, req)
}

func serve(t *testing.T, s *Server, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	rec, _ := serve(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRoot(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	rec, out := serve(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["phone"] != "+15559990000" || out["server"] != "https://relay.example" {
		t.Fatalf("body = %v", out)
	}
}

func TestStartCall(t *testing.T) {
	gw := &fakeGateway{status: "ringing"}
	s := startServer(t, testConfig(), gw, nil)

	rec, out := doJSON(t, s, http.MethodPost, "/start-call", `{"to":"+15550001111"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if out["success"] != true || out["callId"] != "CA100" || out["status"] != "ringing" {
		t.Fatalf("body = %v", out)
	}
	if _, ok := out["messageId"]; ok {
		t.Fatalf("unexpected sms: %v", out)
	}
	if len(gw.calls) != 1 || gw.calls[0] != "+15550001111" {
		t.Fatalf("calls = %v", gw.calls)
	}
}

func TestMakeCallFormWithBody(t *testing.T) {
	gw := &fakeGateway{statusErr: errors.New("timeout")}
	s := startServer(t, testConfig(), gw, nil)

	rec, out := doForm(t, s, "/make-call", url.Values{"to": {"+15550001111"}, "body": {"help"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	// A failed status fetch keeps the status from placing the call.
	if out["status"] != "queued" || out["messageId"] != "SM100" {
		t.Fatalf("body = %v", out)
	}
	if len(gw.sms) != 1 || gw.sms[0] != "+15550001111: help" {
		t.Fatalf("sms = %v", gw.sms)
	}
}

func TestStartCallErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		callErr error
		code    int
		message string
	}{
		{
			name:    "missing destination",
			body:    `{}`,
			code:    http.StatusBadRequest,
			message: relay.ErrNoDestination.Error(),
		},
		{
			name:    "malformed body",
			body:    `{"to":`,
			code:    http.StatusBadRequest,
			message: "invalid request body",
		},
		{
			name:    "invalid destination",
			body:    `{"to":"12"}`,
			callErr: fmt.Errorf("%w: 12", relay.ErrInvalidDestination),
			code:    http.StatusBadRequest,
			message: "invalid destination: 12",
		},
		{
			name: "provider rejection",
			body: `{"to":"+15550001111"}`,
			callErr: fmt.Errorf("place call: %w", &relay.ProviderError{
				Code: 21211, Status: 400, Message: "The 'To' number is not a valid phone number.",
			}),
			code:    http.StatusBadRequest,
			message: "The 'To' number is not a valid phone number.",
		},
		{
			name:    "provider outage",
			body:    `{"to":"+15550001111"}`,
			callErr: fmt.Errorf("place call: %w", &relay.ProviderError{Code: 20500, Status: 503, Message: "Service unavailable"}),
			code:    http.StatusInternalServerError,
			message: "Service unavailable",
		},
		{
			name:    "network failure stays hidden",
			body:    `{"to":"+15550001111"}`,
			callErr: errors.New("dial tcp 10.0.0.1:443: connection refused"),
			code:    http.StatusInternalServerError,
			message: "telephony provider unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startServer(t, testConfig(), &fakeGateway{callErr: tt.callErr}, nil)
			rec, out := doJSON(t, s, http.MethodPost, "/start-call", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			if out["success"] != false || out["error"] != tt.message {
				t.Fatalf("body = %v", out)
			}
		})
	}
}

func TestProviderErrorDetails(t *testing.T) {
	gw := &fakeGateway{callErr: fmt.Errorf("place call: %w", &relay.ProviderError{
		Code: 21211, Status: 400, Message: "bad number", MoreInfo: "https://www.twilio.com/docs/errors/21211",
	})}
	s := startServer(t, testConfig(), gw, nil)

	_, out := doJSON(t, s, http.MethodPost, "/start-call", `{"to":"+15550001111"}`)
	details, ok := out["details"].(map[string]any)
	if !ok {
		t.Fatalf("no details: %v", out)
	}
	if details["code"] != float64(21211) || details["moreInfo"] != "https://www.twilio.com/docs/errors/21211" {
		t.Fatalf("details = %v", details)
	}
}

func TestSendSMS(t *testing.T) {
	gw := &fakeGateway{}
	s := startServer(t, testConfig(), gw, nil)

	rec, out := doJSON(t, s, http.MethodPost, "/send-sms", `{"to":"+15550001111","body":"on my way"}`)
	if rec.Code != http.StatusOK || out["messageId"] != "SM100" {
		t.Fatalf("status = %d body = %v", rec.Code, out)
	}

	rec, out = doJSON(t, s, http.MethodPost, "/send-sms", `{"to":"+15550001111","body":"  "}`)
	if rec.Code != http.StatusBadRequest || out["error"] != relay.ErrNoBody.Error() {
		t.Fatalf("empty body: %d %v", rec.Code, out)
	}

	gw.smsErr = &relay.ProviderError{Code: 21610, Status: 400, Message: "Attempt to send to unsubscribed recipient"}
	rec, out = doJSON(t, s, http.MethodPost, "/send-sms", `{"to":"+15550001111","body":"x"}`)
	if rec.Code != http.StatusBadRequest || out["error"] != "Attempt to send to unsubscribed recipient" {
		t.Fatalf("provider error: %d %v", rec.Code, out)
	}
}

func TestCallStatusAlwaysAcknowledged(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)

	for _, form := range []url.Values{
		{},
		{"CallSid": {"CA999"}},
		{"CallSid": {"CA999"}, "CallStatus": {"completed"}},
	} {
		rec, _ := doForm(t, s, "/call-status", form)
		if rec.Code != http.StatusOK {
			t.Fatalf("form %v: status = %d", form, rec.Code)
		}
	}

	rec, _ := doJSON(t, s, http.MethodPost, "/call-status", `{"callId":"CA999","status":"ringing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("json: status = %d", rec.Code)
	}
	rec, _ = doJSON(t, s, http.MethodPost, "/call-status", `not json`)
	if rec.Code != http.StatusOK {
		t.Fatalf("garbage: status = %d", rec.Code)
	}
}

func TestParseStatusUpdateJSONAliases(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	var got relay.StatusUpdate
	s.engine.POST("/probe", func(c *gin.Context) {
		got = parseStatusUpdate(c)
	})
	doJSON(t, s, http.MethodPost, "/probe", `{"CallSid":"CA1","CallStatus":"busy","errorCode":"13224"}`)
	if got.CallID != "CA1" || got.Status != "busy" || got.ErrorCode != "13224" {
		t.Fatalf("update = %+v", got)
	}
}

func TestWSStatus(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	rec, out := serve(t, s, httptest.NewRequest(http.MethodGet, "/ws-status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["clients"] != float64(0) || out["sessions"] != float64(0) || out["ready"] != true {
		t.Fatalf("body = %v", out)
	}
}

func TestTestTwilio(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	rec, out := serve(t, s, httptest.NewRequest(http.MethodGet, "/test-twilio", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	acct := out["account"].(map[string]any)
	numbers := out["numbers"].([]any)
	if acct["sid"] != "AC123" || len(numbers) != 1 {
		t.Fatalf("body = %v", out)
	}

	s.account = fakeAccount{err: errors.New("twilio error 20003: Authenticate")}
	rec, _ = serve(t, s, httptest.NewRequest(http.MethodGet, "/test-twilio", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("bad credentials: status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://panic.example"}
	s := startServer(t, cfg, &fakeGateway{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/start-call", nil)
	req.Header.Set("Origin", "https://panic.example")
	rec, _ := serve(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://panic.example" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/start-call", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec, _ = serve(t, s, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 2
	s := startServer(t, cfg, &fakeGateway{}, nil)

	codes := make([]int, 0, 3)
	for range 3 {
		rec, _ := doJSON(t, s, http.MethodPost, "/send-sms", `{"to":"+15550001111","body":"x"}`)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	// Provider callbacks are exempt.
	rec, _ := doForm(t, s, "/call-status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("call-status limited: %d", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 32
	s := startServer(t, cfg, &fakeGateway{}, nil)

	body := fmt.Sprintf(`{"to":"+15550001111","body":%q}`, strings.Repeat("a", 100))
	rec, _ := doJSON(t, s, http.MethodPost, "/send-sms", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	doJSON(t, s, http.MethodPost, "/start-call", `{"to":"+15550001111"}`)

	rec, _ := serve(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	text := rec.Body.String()
	for _, want := range []string{
		`panicrelay_relay_session_events_total{kind="call_placed"} 1`,
		`panicrelay_http_requests_total{method="POST",path="/start-call",status="200"} 1`,
		"panicrelay_relay_clients 0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestCallsWithoutJournal(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	rec, _ := serve(t, s, httptest.NewRequest(http.MethodGet, "/calls", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	s := startServer(t, testConfig(), &fakeGateway{}, nil)
	rec, out := serve(t, s, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sessions, ok := out["sessions"].([]any); !ok || len(sessions) != 0 {
		t.Fatalf("body = %v", out)
	}
}
