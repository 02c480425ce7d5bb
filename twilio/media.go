package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// StreamMessage is one JSON frame on a Twilio media stream websocket.
type StreamMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StreamStart  `json:"start,omitempty"`
	Media          *StreamMedia  `json:"media,omitempty"`
	Mark           *StreamMark   `json:"mark,omitempty"`
	Stop           *StreamStop   `json:"stop,omitempty"`
	DTMF           *StreamDigits `json:"dtmf,omitempty"`
}

// StreamStart describes the call a stream belongs to.
type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat is the stream encoding, normally audio/x-mulaw at 8000 Hz.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64 audio chunk.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type StreamDigits struct {
	Digit string `json:"digit"`
}

// ParseStreamMessage decodes a media stream frame.
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("parse media stream frame: %w", err)
	}
	return msg, nil
}

// Audio returns the decoded payload of a media event.
func (m StreamMessage) Audio() ([]byte, error) {
	if m.Media == nil {
		return nil, fmt.Errorf("%s event carries no media", m.Event)
	}
	return base64.StdEncoding.DecodeString(m.Media.Payload)
}

// MediaFrame builds an outbound media event for streamSID.
func MediaFrame(streamSID string, audio []byte) StreamMessage {
	return StreamMessage{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}
