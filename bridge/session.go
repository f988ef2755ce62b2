// Package bridge owns the lifecycle of one phone call: it wires a telephony
// stream to a realtime model connection, forwards audio in both directions,
// and mediates the model's function calls into the eligibility decision
// engine.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omnicare/voicebridge/eligibility"
	"github.com/omnicare/voicebridge/realtime"
	"github.com/omnicare/voicebridge/telephony"
)

// TranscriptEntry is one ordered line of the conversation log.
type TranscriptEntry struct {
	Time time.Time
	Role string
	Text string
}

// functionFailure is the structured result returned to the model when a
// lookup cannot be completed, so it can inform the caller conversationally.
type functionFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Session handles one call from stream start to teardown. Create one per
// accepted telephony connection.
type Session struct {
	id       string
	registry *Registry
	checker  eligibility.Checker
	rtOpts   []realtime.Option
	log      *zap.SugaredLogger

	client *realtime.Client
	stream *telephony.Stream

	mu         sync.RWMutex
	startTime  time.Time
	callSID    string
	streamSID  string
	running    bool
	transcript []TranscriptEntry
	checkCount int
}

// Option configures the Session.
type Option func(*options)

type options struct {
	logger *zap.SugaredLogger
	rtOpts []realtime.Option
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// WithRealtimeOptions forwards options to the model connection, e.g.
// realtime.WithVoice or realtime.WithInitialGreeting.
func WithRealtimeOptions(opts ...realtime.Option) Option {
	return func(o *options) {
		o.rtOpts = append(o.rtOpts, opts...)
	}
}

// NewSession creates a session backed by the given registry and decision
// engine.
func NewSession(registry *Registry, checker eligibility.Checker, opts ...Option) (*Session, error) {
	if registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if checker == nil {
		return nil, fmt.Errorf("bridge: eligibility checker is required")
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop().Sugar()
	}

	return &Session{
		id:       uuid.NewString(),
		registry: registry,
		checker:  checker,
		rtOpts:   cfg.rtOpts,
		log:      cfg.logger,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CallSID returns the telephony call id, empty before stream start.
func (s *Session) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSID
}

// StreamSID returns the telephony stream id, empty before stream start.
func (s *Session) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

// Running reports whether the call is in flight.
func (s *Session) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Transcript returns a copy of the conversation log so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// EligibilityChecks returns the number of decision-engine invocations,
// counting lookups that failed as well as those that succeeded. Function
// calls rejected before reaching the engine (unknown name, malformed
// arguments) are not counted.
func (s *Session) EligibilityChecks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkCount
}

// HandleCall runs the call on the given telephony connection and blocks
// until it ends. The model connection is opened before any audio is
// processed; if it cannot be opened the call fails immediately.
func (s *Session) HandleCall(ctx context.Context, conn telephony.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startTime = time.Now()
	s.running = true
	s.mu.Unlock()

	s.registry.add(s)
	defer s.finish()

	client, err := realtime.New(realtime.Handlers{
		OnAudio:         s.forwardModelAudio,
		OnTranscript:    s.appendTranscript,
		OnFunctionCall:  func(call realtime.FunctionCall) { s.dispatchFunctionCall(ctx, call) },
		OnSpeechStarted: s.flushPlayback,
	}, s.rtOpts...)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := client.Connect(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("bridge: model connection failed: %w", err)
	}
	s.client = client

	s.stream = telephony.NewStream(conn, telephony.Handlers{
		OnStart: s.recordStreamIdentity,
		OnAudio: s.forwardCallerAudio,
		OnStop: func() {
			s.log.Infow("caller hung up", "session", s.id)
		},
	}, telephony.WithLogger(s.log))

	// Two duplex loops; the first to finish tears down both sides. Closing
	// the sockets unblocks the sibling's in-flight read.
	errCh := make(chan error, 2)
	go func() { errCh <- s.stream.ReadLoop(ctx) }()
	go func() { errCh <- client.Listen(ctx) }()

	first := <-errCh
	cancel()
	_ = s.stream.Close()
	_ = client.Close()
	<-errCh

	if first != nil && !errors.Is(first, context.Canceled) {
		return first
	}
	return nil
}

// recordStreamIdentity captures the ids from the telephony start event.
func (s *Session) recordStreamIdentity(streamSID, callSID string) {
	s.mu.Lock()
	s.streamSID = streamSID
	s.callSID = callSID
	s.mu.Unlock()

	s.log.Infow("call bridged",
		"session", s.id, "streamSid", streamSID, "callSid", callSID)
}

// forwardCallerAudio pushes one caller frame into the model input buffer.
func (s *Session) forwardCallerAudio(pcm []byte) {
	if err := s.client.SendAudio(pcm); err != nil {
		if !errors.Is(err, realtime.ErrClosed) {
			s.log.Warnw("dropping caller audio", "session", s.id, "error", err)
		}
	}
}

// forwardModelAudio pushes one model frame back to the caller.
func (s *Session) forwardModelAudio(pcm []byte) {
	if err := s.stream.SendAudio(pcm); err != nil {
		if !errors.Is(err, telephony.ErrNotStarted) {
			s.log.Warnw("dropping model audio", "session", s.id, "error", err)
		}
	}
}

// flushPlayback discards queued playback when the caller starts speaking
// over the agent.
func (s *Session) flushPlayback() {
	if err := s.stream.Clear(); err != nil && !errors.Is(err, telephony.ErrNotStarted) {
		s.log.Debugw("clear failed", "session", s.id, "error", err)
	}
}

// appendTranscript records one line of conversation.
func (s *Session) appendTranscript(role, text string) {
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{
		Time: time.Now(),
		Role: role,
		Text: text,
	})
	s.mu.Unlock()

	s.log.Debugw("transcript", "session", s.id, "role", role, "text", text)
}

// dispatchFunctionCall runs the lookup off the model read loop so inbound
// audio keeps draining, then returns the result and the response trigger.
func (s *Session) dispatchFunctionCall(ctx context.Context, call realtime.FunctionCall) {
	go func() {
		result := s.runEligibilityCheck(ctx, call)
		if err := s.client.SendFunctionResult(call.CallID, result); err != nil {
			if !errors.Is(err, realtime.ErrClosed) {
				s.log.Errorw("function result not delivered",
					"session", s.id, "callId", call.CallID, "error", err)
			}
		}
	}()
}

// runEligibilityCheck mediates one function call into the decision engine.
// The engine payload is relayed verbatim; every failure becomes a structured
// result so the model can tell the caller what went wrong.
func (s *Session) runEligibilityCheck(ctx context.Context, call realtime.FunctionCall) any {
	if call.Name != realtime.EligibilityFunctionName {
		s.log.Warnw("unrecognized function call", "session", s.id, "name", call.Name)
		return functionFailure{Error: fmt.Sprintf("unknown function: %s", call.Name)}
	}

	var req eligibility.Request
	if err := json.Unmarshal(call.Arguments, &req); err != nil {
		return functionFailure{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}

	s.mu.Lock()
	s.checkCount++
	s.mu.Unlock()

	s.log.Infow("eligibility check",
		"session", s.id, "memberId", req.MemberID,
		"procedureCode", req.ProcedureCode, "medication", req.MedicationName)

	result, err := s.checker.CheckEligibility(ctx, req)
	if err != nil {
		s.log.Errorw("eligibility check failed", "session", s.id, "error", err)
		return functionFailure{Error: err.Error()}
	}
	return result
}

// finish flushes the call record and releases the session.
func (s *Session) finish() {
	s.mu.Lock()
	s.running = false
	duration := time.Since(s.startTime)
	entries := len(s.transcript)
	checks := s.checkCount
	callSID := s.callSID
	s.mu.Unlock()

	s.registry.remove(s.id)

	s.log.Infow("call ended",
		"session", s.id,
		"callSid", callSID,
		"duration", duration.Round(time.Millisecond),
		"transcriptEntries", entries,
		"eligibilityChecks", checks)
}
