package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"panicrelay/dialplan"
	"panicrelay/relay"
	"panicrelay/twilio"
)

func newTestGateway(t *testing.T, cfg *Config, h http.HandlerFunc) *twilioGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := twilio.New(twilio.Config{AccountSID: "AC123", AuthToken: "secret", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	plan, err := dialplan.New("+1", "")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return newTwilioGateway(cfg, client, plan, zerolog.Nop())
}

func TestGatewayPlaceCall(t *testing.T) {
	var form url.Values
	gw := newTestGateway(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"queued"}`))
	})

	call, err := gw.PlaceCall(context.Background(), "0 (555) 000-1111")
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if call.ID != "CA1" || call.Status != "queued" {
		t.Fatalf("call = %+v", call)
	}
	if form.Get("To") != "+15550001111" || form.Get("From") != "+15559990000" {
		t.Fatalf("form = %v", form)
	}
	if form.Get("StatusCallback") != "https://relay.example/call-status" {
		t.Fatalf("status callback = %q", form.Get("StatusCallback"))
	}
	if twiml := form.Get("Twiml"); !strings.Contains(twiml, "wss://relay.example/media-stream") || !strings.Contains(twiml, "<Say") {
		t.Fatalf("twiml = %s", twiml)
	}
}

func TestGatewayRejectsBadNumber(t *testing.T) {
	gw := newTestGateway(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called")
	})
	_, err := gw.PlaceCall(context.Background(), "12")
	if !errors.Is(err, relay.ErrInvalidDestination) {
		t.Fatalf("err = %v", err)
	}
	_, err = gw.SendSMS(context.Background(), "abc", "x")
	if !errors.Is(err, relay.ErrInvalidDestination) {
		t.Fatalf("sms err = %v", err)
	}
}

func TestGatewayProviderError(t *testing.T) {
	gw := newTestGateway(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","more_info":"https://www.twilio.com/docs/errors/21211","status":400}`))
	})

	_, err := gw.PlaceCall(context.Background(), "+15550001111")
	var pe *relay.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if pe.Code != 21211 || pe.Status != 400 || pe.Message != "Invalid 'To' Phone Number" {
		t.Fatalf("provider error = %+v", pe)
	}
}

func TestGatewayTransportErrorIsNotProviderError(t *testing.T) {
	gw := newTestGateway(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})
	err := gw.TerminateCall(context.Background(), "CA1")
	var pe *relay.ProviderError
	if err == nil || errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
}

func TestGatewayTerminateAndStatus(t *testing.T) {
	var hangup url.Values
	gw := newTestGateway(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			hangup = r.PostForm
		}
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"completed"}`))
	})

	if err := gw.TerminateCall(context.Background(), "CA1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if hangup.Get("Status") != "completed" {
		t.Fatalf("hangup form = %v", hangup)
	}
	info, err := gw.CallStatus(context.Background(), "CA1")
	if err != nil || info.Status != "completed" {
		t.Fatalf("status = %+v %v", info, err)
	}
}

func TestCheckAndClean(t *testing.T) {
	var updates url.Values
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/Accounts/AC123.json":
			_, _ = w.Write([]byte(`{"sid":"AC123","friendly_name":"Relay","status":"active","type":"Full"}`))
		case r.URL.Path == "/Accounts/AC123/IncomingPhoneNumbers.json":
			_, _ = w.Write([]byte(`{"incoming_phone_numbers":[{"sid":"PN1","phone_number":"+15559990000","voice_url":"https://old.example","capabilities":{"voice":true,"sms":true}}]}`))
		case r.URL.Path == "/Accounts/AC123/IncomingPhoneNumbers/PN1.json" && r.Method == http.MethodPost:
			_ = r.ParseForm()
			updates = r.PostForm
			_, _ = w.Write([]byte(`{"sid":"PN1","phone_number":"+15559990000"}`))
		case r.URL.Path == "/Accounts/AC123/IncomingPhoneNumbers/PN1.json":
			_, _ = w.Write([]byte(`{"sid":"PN1","phone_number":"+15559990000","voice_method":"POST"}`))
		case r.URL.Path == "/Accounts/AC123/Applications.json":
			_, _ = w.Write([]byte(`{"applications":[{"sid":"AP1","friendly_name":"old"},{"sid":"AP2","friendly_name":"stuck"}]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/Accounts/AC123/Applications/AP1.json":
			deleted = append(deleted, "AP1")
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":20404,"message":"not found","status":404}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()
	client, _ := twilio.New(twilio.Config{AccountSID: "AC123", AuthToken: "secret", BaseURL: srv.URL})

	var out bytes.Buffer
	if err := checkAccount(context.Background(), client, &out); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "+15559990000") || !strings.Contains(out.String(), "https://old.example") {
		t.Fatalf("check output:\n%s", out.String())
	}

	out.Reset()
	if err := cleanNumber(context.Background(), client, "PN1", &out, zerolog.Nop()); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if _, ok := updates["VoiceUrl"]; !ok || updates.Get("VoiceUrl") != "" || updates.Get("VoiceCallerIdLookup") != "false" {
		t.Fatalf("updates = %v", updates)
	}
	if len(deleted) != 1 || !strings.Contains(out.String(), "1 of 2 applications deleted") {
		t.Fatalf("deleted = %v output:\n%s", deleted, out.String())
	}

	if err := cleanNumber(context.Background(), client, "", &out, zerolog.Nop()); err == nil {
		t.Fatal("expected error without phone sid")
	}
}
