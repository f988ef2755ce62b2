package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omnicare/voicebridge/eligibility"
	"github.com/omnicare/voicebridge/internal/wstest"
	"github.com/omnicare/voicebridge/realtime"
)

// fakeChecker records invocations and returns a canned document.
type fakeChecker struct {
	mu     sync.Mutex
	reqs   []eligibility.Request
	result json.RawMessage
	err    error
}

func (f *fakeChecker) CheckEligibility(ctx context.Context, req eligibility.Request) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

func (f *fakeChecker) requests() []eligibility.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]eligibility.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type callHarness struct {
	session   *Session
	registry  *Registry
	checker   *fakeChecker
	twilio    *wstest.Conn
	model     *wstest.Conn
	done      chan error
}

func newCallHarness(t *testing.T) *callHarness {
	t.Helper()

	h := &callHarness{
		registry: NewRegistry(),
		checker:  &fakeChecker{result: json.RawMessage(`{"status":"success","eligibility_status":"eligible"}`)},
		twilio:   wstest.NewConn(),
		model:    wstest.NewConn(),
		done:     make(chan error, 1),
	}

	sess, err := NewSession(h.registry, h.checker, WithRealtimeOptions(
		realtime.WithAPIKey("test-key"),
		realtime.WithPingInterval(0),
		realtime.WithDialer(func(ctx context.Context, url string, header http.Header) (realtime.Conn, error) {
			return h.model, nil
		}),
	))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.session = sess

	go func() { h.done <- sess.HandleCall(context.Background(), h.twilio) }()
	return h
}

func (h *callHarness) startStream(t *testing.T) {
	t.Helper()
	h.twilio.DeliverRaw([]byte(`{"event":"connected"}`))
	h.twilio.Deliver(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "S1", "callSid": "CA1"},
	})
	waitFor(t, "stream identity not recorded", func() bool {
		return h.session.CallSID() == "CA1"
	})
}

func (h *callHarness) finish(t *testing.T) {
	t.Helper()
	h.twilio.DeliverRaw([]byte(`{"event":"stop","stop":{"callSid":"CA1"}}`))
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("HandleCall: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleCall did not return after stop")
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func eventsOfType(conn *wstest.Conn, typ string) []map[string]any {
	var out []map[string]any
	for _, ev := range conn.WrittenEvents() {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

// TestCallerAudioForwardedToModel verifies a start followed by one media
// event yields exactly one appended model frame.
func TestCallerAudioForwardedToModel(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	h.twilio.Deliver(map[string]any{
		"event":     "media",
		"streamSid": "S1",
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F}),
		},
	})

	waitFor(t, "caller audio not forwarded", func() bool {
		return len(eventsOfType(h.model, "input_audio_buffer.append")) == 1
	})

	h.finish(t)
	if got := len(eventsOfType(h.model, "input_audio_buffer.append")); got != 1 {
		t.Fatalf("forwarded %d frames, want 1", got)
	}
}

// TestModelAudioForwardedToCaller verifies model audio deltas come back as
// ordered media events tagged with the stream id.
func TestModelAudioForwardedToCaller(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	for i := 0; i < 3; i++ {
		h.model.Deliver(map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{byte(i), 0, byte(i), 0}),
		})
	}

	waitFor(t, "model audio not forwarded", func() bool {
		return len(mediaEvents(h.twilio)) == 3
	})

	media := mediaEvents(h.twilio)
	if len(media) != 3 {
		t.Fatalf("wrote %d media frames, want 3", len(media))
	}
	for _, ev := range media {
		if ev["streamSid"] != "S1" {
			t.Fatalf("media frame missing stream id: %v", ev)
		}
	}

	h.finish(t)
}

func mediaEvents(conn *wstest.Conn) []map[string]any {
	var out []map[string]any
	for _, ev := range conn.WrittenEvents() {
		if ev["event"] == "media" {
			out = append(out, ev)
		}
	}
	return out
}

// TestFunctionCallMediation verifies a recognized function call invokes the
// engine exactly once with the model's payload and answers with one
// correlated result followed by one response trigger.
func TestFunctionCallMediation(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	h.model.Deliver(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_42",
		"name":      "check_eligibility",
		"arguments": `{"member_id":"MB123456","date_of_birth":"1985-03-15"}`,
	})

	waitFor(t, "function result not sent", func() bool {
		return len(eventsOfType(h.model, "conversation.item.create")) == 1 &&
			len(eventsOfType(h.model, "response.create")) == 1
	})

	reqs := h.checker.requests()
	if len(reqs) != 1 {
		t.Fatalf("engine invoked %d times, want 1", len(reqs))
	}
	if reqs[0].MemberID != "MB123456" || reqs[0].DateOfBirth != "1985-03-15" {
		t.Fatalf("engine payload = %+v", reqs[0])
	}

	// Result precedes the trigger, correlated by call id, payload verbatim.
	events := h.model.WrittenEvents()
	itemIdx, triggerIdx := -1, -1
	for i, ev := range events {
		switch ev["type"] {
		case "conversation.item.create":
			itemIdx = i
		case "response.create":
			triggerIdx = i
		}
	}
	if itemIdx == -1 || triggerIdx == -1 || itemIdx > triggerIdx {
		t.Fatalf("result/trigger order wrong: item=%d trigger=%d", itemIdx, triggerIdx)
	}
	item := events[itemIdx]["item"].(map[string]any)
	if item["call_id"] != "call_42" {
		t.Fatalf("result call id = %v", item["call_id"])
	}
	if item["output"] != string(h.checker.result) {
		t.Fatalf("result output = %v, want %s", item["output"], h.checker.result)
	}

	if h.session.EligibilityChecks() != 1 {
		t.Fatalf("EligibilityChecks = %d, want 1", h.session.EligibilityChecks())
	}
	h.finish(t)
}

// TestUnknownFunctionProducesStructuredError verifies unrecognized function
// names never reach the engine and come back as structured failures.
func TestUnknownFunctionProducesStructuredError(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	h.model.Deliver(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_9",
		"name":      "lookup_weather",
		"arguments": `{}`,
	})

	waitFor(t, "failure result not sent", func() bool {
		return len(eventsOfType(h.model, "conversation.item.create")) == 1
	})

	if got := len(h.checker.requests()); got != 0 {
		t.Fatalf("engine invoked %d times for unknown function, want 0", got)
	}
	if h.session.EligibilityChecks() != 0 {
		t.Fatalf("EligibilityChecks = %d, want 0", h.session.EligibilityChecks())
	}

	item := eventsOfType(h.model, "conversation.item.create")[0]["item"].(map[string]any)
	var failure struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(item["output"].(string)), &failure); err != nil {
		t.Fatalf("decode failure result: %v", err)
	}
	if failure.Success || !strings.Contains(failure.Error, "unknown function: lookup_weather") {
		t.Fatalf("failure result = %+v", failure)
	}

	h.finish(t)
}

// TestCheckerErrorSurfacedToModel verifies engine errors become structured
// failures rather than aborting the call.
func TestCheckerErrorSurfacedToModel(t *testing.T) {
	h := newCallHarness(t)
	h.checker.err = errors.New("upstream timeout")
	h.startStream(t)

	h.model.Deliver(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_7",
		"name":      "check_eligibility",
		"arguments": `{"member_id":"MB123456","date_of_birth":"1985-03-15"}`,
	})

	waitFor(t, "failure result not sent", func() bool {
		return len(eventsOfType(h.model, "conversation.item.create")) == 1
	})

	item := eventsOfType(h.model, "conversation.item.create")[0]["item"].(map[string]any)
	if !strings.Contains(item["output"].(string), "upstream timeout") {
		t.Fatalf("failure result = %v", item["output"])
	}

	// A failed lookup still counts as an engine invocation.
	if h.session.EligibilityChecks() != 1 {
		t.Fatalf("EligibilityChecks = %d, want 1", h.session.EligibilityChecks())
	}

	h.finish(t)
}

// TestStopReleasesSession verifies a stop event closes both connections and
// removes the session from the registry.
func TestStopReleasesSession(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	if h.registry.Len() != 1 {
		t.Fatalf("registry has %d sessions mid-call, want 1", h.registry.Len())
	}
	if s, ok := h.registry.GetByCallSID("CA1"); !ok || s != h.session {
		t.Fatal("session not findable by call sid")
	}

	h.finish(t)

	if h.registry.Len() != 0 {
		t.Fatalf("registry has %d sessions after stop, want 0", h.registry.Len())
	}
	if !h.twilio.Closed() || !h.model.Closed() {
		t.Fatalf("connections left open: twilio=%v model=%v", h.twilio.Closed(), h.model.Closed())
	}
	if h.session.Running() {
		t.Fatal("session still marked running")
	}
}

// TestTranscriptAccumulates verifies both roles land in the ordered log.
func TestTranscriptAccumulates(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	h.model.Deliver(map[string]any{
		"type":  "response.audio_transcript.delta",
		"delta": "Hello!",
	})
	h.model.Deliver(map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "Hi, checking my coverage.",
	})

	waitFor(t, "transcript not recorded", func() bool {
		return len(h.session.Transcript()) == 2
	})

	entries := h.session.Transcript()
	if entries[0].Role != "assistant" || entries[1].Role != "user" {
		t.Fatalf("transcript roles = %s, %s", entries[0].Role, entries[1].Role)
	}

	h.finish(t)
}

// TestSpeechStartedFlushesPlayback verifies barge-in clears the telephony
// playback buffer.
func TestSpeechStartedFlushesPlayback(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	h.model.Deliver(map[string]any{"type": "input_audio_buffer.speech_started"})

	waitFor(t, "clear not sent", func() bool {
		for _, ev := range h.twilio.WrittenEvents() {
			if ev["event"] == "clear" {
				return true
			}
		}
		return false
	})

	h.finish(t)
}

// TestModelConnectFailureFailsCall verifies the call fails immediately when
// the model connection cannot be opened.
func TestModelConnectFailureFailsCall(t *testing.T) {
	registry := NewRegistry()
	twilio := wstest.NewConn()

	sess, err := NewSession(registry, &fakeChecker{}, WithRealtimeOptions(
		realtime.WithAPIKey("test-key"),
		realtime.WithDialer(func(ctx context.Context, url string, header http.Header) (realtime.Conn, error) {
			return nil, errors.New("dial refused")
		}),
	))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := sess.HandleCall(context.Background(), twilio); err == nil {
		t.Fatal("HandleCall succeeded without a model connection")
	}
	if registry.Len() != 0 {
		t.Fatalf("registry has %d sessions after failed call", registry.Len())
	}
	if !twilio.Closed() {
		t.Fatal("telephony connection left open")
	}
}

// TestTelephonyFailureTearsDownModel verifies a dead telephony socket ends
// the call and closes the model side.
func TestTelephonyFailureTearsDownModel(t *testing.T) {
	h := newCallHarness(t)
	h.startStream(t)

	_ = h.twilio.Close()

	select {
	case err := <-h.done:
		if err == nil {
			t.Fatal("HandleCall returned nil for transport failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleCall did not return after socket failure")
	}

	if !h.model.Closed() {
		t.Fatal("model connection left open")
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry has %d sessions after failure", h.registry.Len())
	}
}
