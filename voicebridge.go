// Package voicebridge connects Twilio Media Streams phone calls to the
// OpenAI Realtime API so a caller can verify insurance eligibility by voice.
//
// The module is organized around one call = one session:
//   - telephony.Stream: parses/emits Twilio Media Stream events and owns
//     the mulaw codec and resampler for its direction
//   - realtime.Client: manages the Realtime API connection, session
//     configuration, and the function-call protocol
//   - bridge.Session: wires the two adapters together for the lifetime of
//     a call and mediates eligibility lookups
//   - eligibility: the decision-engine boundary (Checker interface, a mock
//     engine for tests/demos, and an HTTP client for a remote engine)
//
// # Quick Start
//
//	registry := bridge.NewRegistry()
//	engine := eligibility.NewMockEngine()
//
//	http.HandleFunc("/voice/stream", func(w http.ResponseWriter, r *http.Request) {
//	    conn, _ := upgrader.Upgrade(w, r, nil)
//	    sess, _ := bridge.NewSession(registry, engine)
//	    _ = sess.HandleCall(r.Context(), conn)
//	})
//
// The outer HTTP listener, TwiML webhooks, and credential management are the
// caller's responsibility.
package voicebridge

// Version is the module version.
const Version = "0.1.0"

// Realtime API defaults, overridable per client through realtime options.
const (
	// DefaultRealtimeURL is the OpenAI Realtime API websocket endpoint.
	DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"

	// DefaultRealtimeModel is the speech-to-speech model used for calls.
	DefaultRealtimeModel = "gpt-4o-realtime-preview-2024-10-01"
)
