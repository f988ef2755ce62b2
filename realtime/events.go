package realtime

import "encoding/json"

// serverEvent is the envelope for events read from the Realtime API. Only
// the fields the bridge dispatches on are decoded.
type serverEvent struct {
	Type       string    `json:"type"`
	Delta      string    `json:"delta,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Error      *apiError `json:"error,omitempty"`
}

// apiError is the error payload of an "error" server event.
type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FunctionCall is a structured tool invocation issued by the model
// mid-conversation. Arguments is the raw JSON argument object.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Client events.

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
	Tools                   []Tool               `json:"tools"`
	ToolChoice              string               `json:"tool_choice"`
	Temperature             float64              `json:"temperature"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Tool declares a callable function to the model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}
