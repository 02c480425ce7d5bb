package main

import (
	"encoding/json"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"panicrelay/relay"
	"panicrelay/twilio"
)

// mediaStream tracks the Twilio stream a media peer carries.
type mediaStream struct {
	mu        sync.Mutex
	streamSID string
	callSID   string
}

func (m *mediaStream) set(streamSID, callSID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamSID, m.callSID = streamSID, callSID
}

func (m *mediaStream) sid() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamSID
}

// wrap turns relayed audio into an outbound media event. Audio that
// arrives before the stream has started has nowhere to go.
func (m *mediaStream) wrap(frame []byte) (int, []byte, bool) {
	sid := m.sid()
	if sid == "" {
		return 0, nil, false
	}
	data, err := json.Marshal(twilio.MediaFrame(sid, frame))
	if err != nil {
		return 0, nil, false
	}
	return websocket.TextMessage, data, true
}

// handleMediaStream serves the websocket Twilio opens for <Connect><Stream>.
// The stream's audio joins the session that owns its call.
func (s *Server) handleMediaStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("media stream upgrade failed")
		return
	}
	p := newPeer(conn, s.hub, relay.PeerMedia, s.cfg.SendQueue, s.log)
	stream := &mediaStream{}
	p.wrap = stream.wrap
	p.log.Info().Msg("media stream connected")

	p.run(func(data []byte) {
		msg, err := twilio.ParseStreamMessage(data)
		if err != nil {
			p.log.Debug().Err(err).Msg("bad media stream frame")
			return
		}
		switch msg.Event {
		case twilio.EventStart:
			if msg.Start == nil {
				return
			}
			stream.set(msg.Start.StreamSID, msg.Start.CallSID)
			p.log.Info().
				Str("stream", msg.Start.StreamSID).
				Str("call", msg.Start.CallSID).
				Str("encoding", msg.Start.MediaFormat.Encoding).
				Int("rate", msg.Start.MediaFormat.SampleRate).
				Msg("media stream started")
			s.hub.Bind(p.id, msg.Start.CallSID)
		case twilio.EventMedia:
			audio, err := msg.Audio()
			if err != nil {
				p.log.Debug().Err(err).Msg("bad media payload")
				return
			}
			s.hub.Audio(p.id, audio)
		case twilio.EventStop:
			p.log.Info().Str("stream", stream.sid()).Msg("media stream stopped")
			s.hub.Unregister(p.id, "stream stopped")
		}
	})
}
