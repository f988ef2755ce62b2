// Package telephony adapts a Twilio Media Streams websocket into the
// bridge's audio frame model. The adapter owns the μ-law codec and resampler
// for both directions: inbound media is decoded and upsampled to the model
// rate before it is handed off, outbound PCM is downsampled and companded
// before it is written.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omnicare/voicebridge/audio"
)

// Conn is the subset of *websocket.Conn the adapter needs. Tests substitute
// a scripted implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Verify *websocket.Conn satisfies Conn at compile time.
var _ Conn = (*websocket.Conn)(nil)

// ErrNotStarted is returned when a frame is written before the stream has
// received its start event.
var ErrNotStarted = errors.New("telephony: stream has not started")

// errStreamStopped ends ReadLoop cleanly after a stop event.
var errStreamStopped = errors.New("telephony: stream stopped")

// Handlers receive parsed inbound traffic. All callbacks are invoked from
// the ReadLoop goroutine, in arrival order. Nil callbacks are skipped.
type Handlers struct {
	// OnStart fires once when the start event records the stream identity.
	OnStart func(streamSID, callSID string)

	// OnAudio receives inbound caller audio as model-rate PCM16.
	OnAudio func(pcm []byte)

	// OnMark fires when Twilio acknowledges a mark sent with SendMark.
	OnMark func(name string)

	// OnDTMF fires when the caller presses a key.
	OnDTMF func(digit string)

	// OnStop fires once when the stream ends cleanly.
	OnStop func()
}

// Stream handles one Twilio Media Streams connection. It moves through three
// phases: awaiting start, active (stream identity recorded), stopped.
type Stream struct {
	conn     Conn
	handlers Handlers
	log      *zap.SugaredLogger

	mu        sync.RWMutex
	streamSID string
	callSID   string
	started   bool
	stopped   bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Option configures the Stream.
type Option func(*options)

type options struct {
	logger *zap.SugaredLogger
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// NewStream wraps an accepted Media Streams connection.
func NewStream(conn Conn, handlers Handlers, opts ...Option) *Stream {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop().Sugar()
	}

	return &Stream{
		conn:     conn,
		handlers: handlers,
		log:      cfg.logger,
	}
}

// StreamSID returns the stream identifier recorded from the start event.
func (s *Stream) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

// CallSID returns the call identifier recorded from the start event.
func (s *Stream) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSID
}

// Started reports whether the start event has been received.
func (s *Stream) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// ReadLoop consumes the connection until the stream stops, the context is
// cancelled, or the socket fails. A clean stop returns nil; a transport
// failure returns the wrapped error. Malformed events are dropped and
// logged, never fatal.
func (s *Stream) ReadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("telephony: read: %w", err)
		}

		if err := s.handleMessage(data); err != nil {
			if errors.Is(err, errStreamStopped) {
				return nil
			}
			return err
		}
	}
}

// handleMessage dispatches one inbound frame.
func (s *Stream) handleMessage(data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warnw("dropping malformed frame", "error", err)
		return nil
	}

	switch msg.Event {
	case "connected":
		s.log.Debug("media stream connected")

	case "start":
		if msg.Start == nil {
			s.log.Warn("start event without payload")
			return nil
		}
		s.mu.Lock()
		s.streamSID = msg.Start.StreamSID
		s.callSID = msg.Start.CallSID
		s.started = true
		s.mu.Unlock()

		s.log.Infow("media stream started",
			"streamSid", msg.Start.StreamSID,
			"callSid", msg.Start.CallSID)
		if s.handlers.OnStart != nil {
			s.handlers.OnStart(msg.Start.StreamSID, msg.Start.CallSID)
		}

	case "media":
		s.handleMedia(&msg)

	case "mark":
		if msg.Mark != nil && s.handlers.OnMark != nil {
			s.handlers.OnMark(msg.Mark.Name)
		}

	case "dtmf":
		if msg.DTMF != nil && s.handlers.OnDTMF != nil {
			s.handlers.OnDTMF(msg.DTMF.Digit)
		}

	case "stop":
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.log.Info("media stream stopped")
		if s.handlers.OnStop != nil {
			s.handlers.OnStop()
		}
		return errStreamStopped

	default:
		s.log.Debugw("ignoring unknown event", "event", msg.Event)
	}

	return nil
}

// handleMedia decodes one inbound audio frame. Frames that arrive before
// start, or tagged with a different stream id, are dropped and logged.
func (s *Stream) handleMedia(msg *message) {
	if msg.Media == nil || msg.Media.Payload == "" {
		return
	}

	s.mu.RLock()
	started := s.started
	streamSID := s.streamSID
	s.mu.RUnlock()

	if !started {
		s.log.Warn("dropping media frame before start event")
		return
	}
	if msg.StreamSID != streamSID {
		s.log.Warnw("dropping media frame for unknown stream",
			"got", msg.StreamSID, "want", streamSID)
		return
	}

	mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.log.Warnw("dropping media frame with bad payload", "error", err)
		return
	}

	if s.handlers.OnAudio != nil {
		pcm := audio.Upsample(audio.DecodeMuLaw(mulaw), audio.RateRatio)
		s.handlers.OnAudio(pcm)
	}
}

// SendAudio downsamples, compands, and writes one model-rate PCM16 frame as
// a media event. Frames are written in call order.
func (s *Stream) SendAudio(pcm []byte) error {
	s.mu.RLock()
	started := s.started
	streamSID := s.streamSID
	s.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}

	mulaw := audio.EncodeMuLaw(audio.Downsample(pcm, audio.RateRatio))
	msg := outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaChunk{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("telephony: write media: %w", err)
	}
	return nil
}

// SendMark asks Twilio for a playback-completion acknowledgement, delivered
// later to Handlers.OnMark.
func (s *Stream) SendMark(name string) error {
	s.mu.RLock()
	started := s.started
	streamSID := s.streamSID
	s.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(outboundMark{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      markPayload{Name: name},
	}); err != nil {
		return fmt.Errorf("telephony: write mark: %w", err)
	}
	return nil
}

// Clear flushes Twilio's buffered playback. Used when the caller interrupts
// the agent mid-sentence.
func (s *Stream) Clear() error {
	s.mu.RLock()
	started := s.started
	streamSID := s.streamSID
	s.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(outboundClear{
		Event:     "clear",
		StreamSID: streamSID,
	}); err != nil {
		return fmt.Errorf("telephony: write clear: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
