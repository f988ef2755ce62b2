// Package realtime manages the OpenAI Realtime API connection for one call:
// session configuration, bidirectional audio, transcripts, and the
// function-call protocol.
//
// The model runs speech-to-speech with server-side voice activity detection,
// so inbound audio is appended to the input buffer without explicit commits;
// the server segments utterances on its own.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omnicare/voicebridge"
)

// EligibilityFunctionName is the single function the model may call.
const EligibilityFunctionName = "check_eligibility"

// ErrClosed is returned by sends attempted after Close.
var ErrClosed = errors.New("realtime: client closed")

// ErrNotConnected is returned by sends attempted before Connect.
var ErrNotConnected = errors.New("realtime: client not connected")

// Conn is the subset of *websocket.Conn the client needs. Tests substitute
// a scripted implementation through WithDialer.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Verify *websocket.Conn satisfies Conn at compile time.
var _ Conn = (*websocket.Conn)(nil)

// Dialer opens the websocket connection. The default uses gorilla/websocket.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// Handlers receive dispatched server events. All callbacks are invoked from
// the Listen goroutine, in arrival order. Nil callbacks are skipped.
type Handlers struct {
	// OnAudio receives decoded model speech as model-rate PCM16.
	OnAudio func(pcm []byte)

	// OnTranscript receives conversation text: role is "assistant" for
	// output transcript deltas and "user" for completed input transcriptions.
	OnTranscript func(role, text string)

	// OnFunctionCall fires when the model finishes emitting a function
	// call. The handler must not block: respond via SendFunctionResult
	// from another goroutine.
	OnFunctionCall func(call FunctionCall)

	// OnSpeechStarted fires when server VAD detects the caller speaking,
	// typically to flush the telephony playback buffer.
	OnSpeechStarted func()
}

// Client is a connection to the Realtime API for one call session.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	voice        string
	instructions string
	temperature  float64
	vad          turnDetection
	greeting     bool
	pingInterval time.Duration
	dialer       Dialer
	handlers     Handlers
	log          *zap.SugaredLogger

	conn     Conn
	writeMu  sync.Mutex
	closed   atomic.Bool
	pingStop chan struct{}
}

// Option configures the Client.
type Option func(*options)

type options struct {
	apiKey       string
	baseURL      string
	model        string
	voice        string
	instructions string
	temperature  float64
	vad          turnDetection
	greeting     bool
	pingInterval time.Duration
	dialer       Dialer
	logger       *zap.SugaredLogger
}

// WithAPIKey sets the bearer credential. Defaults to OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithBaseURL overrides the Realtime API endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithModel sets the realtime model identifier.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithVoice sets the output voice (alloy, echo, shimmer).
func WithVoice(voice string) Option {
	return func(o *options) {
		o.voice = voice
	}
}

// WithInstructions replaces the default system instructions.
func WithInstructions(instructions string) Option {
	return func(o *options) {
		o.instructions = instructions
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) {
		o.temperature = t
	}
}

// WithTurnDetection tunes server VAD: energy threshold, padding kept before
// detected speech, and trailing silence before an utterance is considered
// complete.
func WithTurnDetection(threshold float64, prefixPaddingMs, silenceDurationMs int) Option {
	return func(o *options) {
		o.vad = turnDetection{
			Type:              "server_vad",
			Threshold:         threshold,
			PrefixPaddingMs:   prefixPaddingMs,
			SilenceDurationMs: silenceDurationMs,
		}
	}
}

// WithInitialGreeting makes the agent speak first: a response is requested
// immediately after session configuration instead of waiting for the caller.
func WithInitialGreeting(enabled bool) Option {
	return func(o *options) {
		o.greeting = enabled
	}
}

// WithPingInterval sets the keepalive ping interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		o.pingInterval = d
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// New creates a Realtime API client. The API key is required, from option or
// environment.
func New(handlers Handlers, opts ...Option) (*Client, error) {
	cfg := &options{
		baseURL:      voicebridge.DefaultRealtimeURL,
		model:        voicebridge.DefaultRealtimeModel,
		voice:        "alloy",
		instructions: defaultInstructions,
		temperature:  0.8,
		vad: turnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		pingInterval: 20 * time.Second,
		dialer:       defaultDialer,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.apiKey == "" {
		cfg.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("realtime: OPENAI_API_KEY is required")
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop().Sugar()
	}

	return &Client{
		apiKey:       cfg.apiKey,
		baseURL:      cfg.baseURL,
		model:        cfg.model,
		voice:        cfg.voice,
		instructions: cfg.instructions,
		temperature:  cfg.temperature,
		vad:          cfg.vad,
		greeting:     cfg.greeting,
		pingInterval: cfg.pingInterval,
		dialer:       cfg.dialer,
		handlers:     handlers,
		log:          cfg.logger,
		pingStop:     make(chan struct{}),
	}, nil
}

func defaultDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect dials the Realtime API and sends the session configuration. It
// must complete before any audio is forwarded.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := c.baseURL + "?model=" + c.model
	conn, err := c.dialer(ctx, url, header)
	if err != nil {
		return fmt.Errorf("realtime: connect: %w", err)
	}
	c.conn = conn

	if err := c.configureSession(); err != nil {
		_ = conn.Close()
		return err
	}

	if c.greeting {
		if err := c.writeJSON(responseCreateEvent{Type: "response.create"}); err != nil {
			_ = conn.Close()
			return err
		}
	}

	if c.pingInterval > 0 {
		go c.pingLoop()
	}

	c.log.Infow("realtime session configured", "model", c.model, "voice", c.voice)
	return nil
}

// configureSession declares audio formats, modalities, VAD parameters,
// input transcription, and the eligibility tool.
func (c *Client) configureSession() error {
	return c.writeJSON(sessionUpdateEvent{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            c.instructions,
			Voice:                   c.voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionConfig{Model: "whisper-1"},
			TurnDetection:           &c.vad,
			Tools:                   []Tool{eligibilityTool()},
			ToolChoice:              "auto",
			Temperature:             c.temperature,
		},
	})
}

// eligibilityTool declares the check_eligibility function: member id and
// date of birth are required, a procedure or medication identifier optional.
func eligibilityTool() Tool {
	return Tool{
		Type:        "function",
		Name:        EligibilityFunctionName,
		Description: "Check insurance eligibility for a patient. Call this when you have collected the member_id and date_of_birth from the caller.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"member_id": map[string]any{
					"type":        "string",
					"description": "The patient's member ID or patient ID",
				},
				"date_of_birth": map[string]any{
					"type":        "string",
					"description": "Date of birth in YYYY-MM-DD format",
				},
				"procedure_code": map[string]any{
					"type":        "string",
					"description": "CPT code if checking for a specific procedure",
				},
				"medication_name": map[string]any{
					"type":        "string",
					"description": "Medication name if checking drug coverage",
				},
			},
			"required": []string{"member_id", "date_of_birth"},
		},
	}
}

// SendAudio appends caller audio (model-rate PCM16) to the input buffer.
// Server VAD segments utterances; no commit is sent.
func (c *Client) SendAudio(pcm []byte) error {
	return c.writeJSON(audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendFunctionResult returns a function-call result to the model and
// triggers response generation. The two messages are written under one lock
// so the result always precedes the trigger; reordering or omitting either
// stalls the model.
func (c *Client) SendFunctionResult(callID string, result any) error {
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("realtime: encode function result: %w", err)
	}

	if c.closed.Load() {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}); err != nil {
		return fmt.Errorf("realtime: write function result: %w", err)
	}
	if err := c.conn.WriteJSON(responseCreateEvent{Type: "response.create"}); err != nil {
		return fmt.Errorf("realtime: write response trigger: %w", err)
	}
	return nil
}

// Listen consumes server events until the connection closes or the context
// is cancelled. A clean remote close returns nil.
func (c *Client) Listen(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("realtime: read: %w", err)
		}

		if err := c.handleEvent(data); err != nil {
			return err
		}
	}
}

// handleEvent dispatches one server event.
func (c *Client) handleEvent(data []byte) error {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warnw("dropping malformed server event", "error", err)
		return nil
	}

	switch ev.Type {
	case "response.audio.delta":
		if ev.Delta == "" {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warnw("dropping audio delta with bad payload", "error", err)
			return nil
		}
		if c.handlers.OnAudio != nil {
			c.handlers.OnAudio(pcm)
		}

	case "response.audio_transcript.delta":
		if ev.Delta != "" && c.handlers.OnTranscript != nil {
			c.handlers.OnTranscript("assistant", ev.Delta)
		}

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" && c.handlers.OnTranscript != nil {
			c.handlers.OnTranscript("user", ev.Transcript)
		}

	case "response.function_call_arguments.done":
		if c.handlers.OnFunctionCall != nil {
			c.handlers.OnFunctionCall(FunctionCall{
				CallID:    ev.CallID,
				Name:      ev.Name,
				Arguments: json.RawMessage(ev.Arguments),
			})
		}

	case "input_audio_buffer.speech_started":
		if c.handlers.OnSpeechStarted != nil {
			c.handlers.OnSpeechStarted()
		}

	case "error":
		if ev.Error == nil {
			return nil
		}
		if isFatal(ev.Error) {
			return fmt.Errorf("realtime: session error %s: %s", ev.Error.Code, ev.Error.Message)
		}
		c.log.Warnw("realtime API error",
			"code", ev.Error.Code, "message", ev.Error.Message)
	}

	return nil
}

// isFatal classifies server errors that end the session; everything else is
// logged and the call continues.
func isFatal(e *apiError) bool {
	switch e.Code {
	case "invalid_api_key", "auth_error", "session_expired":
		return true
	}
	return false
}

// writeJSON serializes one client event under the write lock.
func (c *Client) writeJSON(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// pingLoop keeps the connection alive; a dead peer surfaces through the
// read loop's connection-closed error.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.pingInterval)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.pingStop:
			return
		}
	}
}

// Close closes the connection. Sends attempted afterwards fail with
// ErrClosed. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.pingStop)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// defaultInstructions guide the agent through an eligibility verification
// call: gather member id and date of birth one item at a time, confirm them
// back, run the check, and explain the result plainly.
const defaultInstructions = `You are a helpful and professional insurance eligibility verification assistant.

Your role is to:
1. Greet the caller warmly and ask how you can help them
2. Gather required information through natural conversation:
   - Member ID or Patient ID
   - Date of Birth (format: month day year, like March 15 1985)
   - What medical procedure or medication they're asking about
3. Once you have member_id and date_of_birth, call the check_eligibility function
4. Explain the results clearly in simple terms
5. Ask if they need anything else

Guidelines:
- Be conversational and friendly
- Ask for ONE piece of information at a time
- Confirm information back to the caller
- Speak clearly and at a moderate pace
- If the caller seems confused, clarify patiently`
