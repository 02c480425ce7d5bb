package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"panicrelay/relay"
	"panicrelay/twilio"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads text messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) relay.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg relay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for audio: %v", err)
		}
		if kind == websocket.BinaryMessage {
			return data
		}
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// postStatus plays the provider's status callback. It is safe to call from
// any goroutine.
func postStatus(t *testing.T, srv *httptest.Server, callSID, status string) {
	t.Helper()
	resp, err := http.PostForm(srv.URL+"/call-status", url.Values{"CallSid": {callSID}, "CallStatus": {status}})
	if err != nil {
		t.Errorf("post status: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("call-status = %d", resp.StatusCode)
	}
}

func TestClientCallLifecycle(t *testing.T) {
	gw := &fakeGateway{}
	s := startServer(t, testConfig(), gw, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	client := dialWS(t, srv, "/ws")
	welcome := readUntil(t, client, relay.TypeWelcome)
	if welcome.ClientID == "" {
		t.Fatal("welcome without client id")
	}

	writeJSON(t, client, relay.Message{Type: relay.TypeStartCall, To: "+15550001111"})
	started := readUntil(t, client, relay.TypeCallStarted)
	if started.CallID != "CA100" {
		t.Fatalf("call_started = %+v", started)
	}

	postStatus(t, srv, "CA100", "in-progress")
	if st := readUntil(t, client, relay.TypeCallStatus); st.Status != "in-progress" {
		t.Fatalf("call_status = %+v", st)
	}

	// Closing the socket hangs up the live call exactly once.
	client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(gw.terminatedCalls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := gw.terminatedCalls(); len(got) != 1 || got[0] != "CA100" {
		t.Fatalf("terminated = %v", got)
	}
}

func TestMediaStreamRelay(t *testing.T) {
	gw := &fakeGateway{}
	s := startServer(t, testConfig(), gw, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	client := dialWS(t, srv, "/ws")
	readUntil(t, client, relay.TypeWelcome)
	writeJSON(t, client, relay.Message{Type: relay.TypeStartCall, To: "+15550001111"})
	readUntil(t, client, relay.TypeCallStarted)

	media := dialWS(t, srv, "/media-stream")
	writeJSON(t, media, twilio.StreamMessage{Event: twilio.EventConnected})
	writeJSON(t, media, twilio.StreamMessage{
		Event:     twilio.EventStart,
		StreamSID: "MZ1",
		Start: &twilio.StreamStart{
			StreamSID:   "MZ1",
			CallSID:     "CA100",
			MediaFormat: twilio.MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	})

	callAudio := []byte{0x7f, 0xff, 0x00, 0x10}
	writeJSON(t, media, twilio.StreamMessage{
		Event:     twilio.EventMedia,
		StreamSID: "MZ1",
		Media:     &twilio.StreamMedia{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(callAudio)},
	})
	if got := readBinary(t, client); !bytes.Equal(got, callAudio) {
		t.Fatalf("client audio = %x", got)
	}

	clientAudio := []byte{1, 2, 3}
	if err := client.WriteMessage(websocket.BinaryMessage, clientAudio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	media.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := media.ReadMessage()
	if err != nil {
		t.Fatalf("read media: %v", err)
	}
	out, err := twilio.ParseStreamMessage(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	audio, err := out.Audio()
	if err != nil || out.Event != twilio.EventMedia || out.StreamSID != "MZ1" || !bytes.Equal(audio, clientAudio) {
		t.Fatalf("media frame = %+v audio=%x err=%v", out, audio, err)
	}

	// The stream ending leaves the call up.
	writeJSON(t, media, twilio.StreamMessage{Event: twilio.EventStop, StreamSID: "MZ1"})
	time.Sleep(50 * time.Millisecond)
	if got := gw.terminatedCalls(); len(got) != 0 {
		t.Fatalf("terminated after stream stop: %v", got)
	}
}
