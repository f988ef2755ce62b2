package telephony

// Twilio Media Streams message types. Inbound messages share one envelope
// discriminated by the "event" field.
type message struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
	Stop      *stopPayload  `json:"stop,omitempty"`
	DTMF      *dtmfPayload  `json:"dtmf,omitempty"`
}

type startPayload struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64 μ-law audio
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

// Outbound messages. Every one carries the stream SID recorded at start.
type outboundMedia struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Media     mediaChunk `json:"media"`
}

type mediaChunk struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
