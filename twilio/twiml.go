package twilio

import "encoding/xml"

// Response is a TwiML document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text on the call.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Pause waits for Length seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Connect bridges the call to a media stream.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream
}

// Stream is a bidirectional media stream endpoint.
type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom parameter passed to a stream's start message.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Add appends verbs to the response.
func (r *Response) Add(verbs ...any) *Response {
	r.Verbs = append(r.Verbs, verbs...)
	return r
}

// String renders the document with an XML header.
func (r *Response) String() string {
	out, err := xml.Marshal(r)
	if err != nil {
		// Only the fixed verb types above are ever added.
		return xml.Header + "<Response></Response>"
	}
	return xml.Header + string(out)
}

// AlertTwiML builds the document played to the callee: the alert message,
// a pause, and when streamURL is set a media stream back to the relay.
func AlertTwiML(message, language string, pause int, streamURL string) string {
	r := &Response{}
	r.Add(Say{Language: language, Text: message})
	if pause > 0 {
		r.Add(Pause{Length: pause})
	}
	if streamURL != "" {
		r.Add(Connect{Stream: Stream{URL: streamURL}})
	}
	return r.String()
}
