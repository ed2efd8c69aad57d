package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned by [Decode] for a well-formed message whose
// type is not part of the protocol. Callers ignore such messages.
var ErrUnknownMessage = errors.New("bridge: unknown message type")

// ErrMalformed is returned by [Decode] when a text frame is not a valid
// protocol message.
var ErrMalformed = errors.New("bridge: malformed message")

// ── Outbound ──────────────────────────────────────────────────────────────────

// outbound is every text message the satellite sends.
type outbound struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	WakeWord string `json:"wake_word,omitempty"`
}

func authMessage(token string) outbound    { return outbound{Type: "auth", Token: token} }
func wakeMessage(wakeWord string) outbound { return outbound{Type: "wake_detected", WakeWord: wakeWord} }
func statusRequestMessage() outbound       { return outbound{Type: "status_request"} }
func pingMessage() outbound                { return outbound{Type: "ping"} }
func stopMessage() outbound                { return outbound{Type: "stop"} }

// ── Inbound ───────────────────────────────────────────────────────────────────

// Message is one decoded inbound text message. The set of implementations is
// closed; dispatch with a type switch.
type Message interface {
	// Type returns the wire type string.
	Type() string
}

// AuthOK confirms the token sent with auth.
type AuthOK struct{}

// AuthFailed rejects the token. The bridge closes the socket afterwards.
type AuthFailed struct{}

// Pong answers a ping.
type Pong struct{}

// ConfigAudio announces the sample rate of the synthesized audio that
// follows.
type ConfigAudio struct {
	Rate int
}

// Status answers status_request.
type Status struct {
	Clients     int
	HAConnected bool
	// Config is the bridge's client configuration, passed through verbatim.
	Config map[string]any
}

// WakeWord returns Config["wake_word"] when it is a non-empty string.
func (s Status) WakeWord() string {
	w, _ := s.Config["wake_word"].(string)
	return w
}

// ConfigUpdate asks the satellite to switch its wake word.
type ConfigUpdate struct {
	WakeWord string
}

// HAStatus reports whether the assistant back end is connected to the bridge.
type HAStatus struct {
	Connected bool
}

// VoiceEvent relays a pipeline event of the assistant back end.
type VoiceEvent struct {
	Event EventType
	// Text is data.text when present: the transcript for [EventSTTEnd] and
	// the response for [EventTTSStart].
	Text string
}

func (AuthOK) Type() string       { return "auth_ok" }
func (AuthFailed) Type() string   { return "auth_failed" }
func (Pong) Type() string         { return "pong" }
func (ConfigAudio) Type() string  { return "config_audio" }
func (Status) Type() string       { return "status" }
func (ConfigUpdate) Type() string { return "config_update" }
func (HAStatus) Type() string     { return "ha_status" }
func (VoiceEvent) Type() string   { return "voice_event" }

// EventType is a voice pipeline event code, numbered as in the ESPHome voice
// assistant protocol.
type EventType int

const (
	EventRunStart EventType = 1
	EventRunEnd   EventType = 2
	EventSTTStart EventType = 3
	EventSTTEnd   EventType = 4
	EventTTSStart EventType = 7
	EventTTSEnd   EventType = 8
	EventVADStart EventType = 11
	EventVADEnd   EventType = 12
)

// String returns a readable name for logging.
func (e EventType) String() string {
	switch e {
	case EventRunStart:
		return "run_start"
	case EventRunEnd:
		return "run_end"
	case EventSTTStart:
		return "stt_start"
	case EventSTTEnd:
		return "stt_end"
	case EventTTSStart:
		return "tts_start"
	case EventTTSEnd:
		return "tts_end"
	case EventVADStart:
		return "stt_vad_start"
	case EventVADEnd:
		return "stt_vad_end"
	default:
		return fmt.Sprintf("event_%d", int(e))
	}
}

// EndsListening reports whether the event means the assistant has stopped
// taking speech input for the current run.
func (e EventType) EndsListening() bool {
	return e == EventSTTEnd || e == EventRunEnd
}

// wire is the union of every inbound field.
type wire struct {
	Type        string         `json:"type"`
	Rate        *int           `json:"rate"`
	Clients     int            `json:"clients"`
	HAConnected bool           `json:"ha_connected"`
	Connected   bool           `json:"connected"`
	Config      map[string]any `json:"config"`
	WakeWord    string         `json:"wake_word"`
	EventType   *int           `json:"event_type"`
	Data        map[string]any `json:"data"`
}

// Decode parses one inbound text frame. It returns [ErrMalformed] for invalid
// JSON or a known type with missing or invalid fields, and
// [ErrUnknownMessage] for any other type.
func Decode(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch w.Type {
	case "auth_ok":
		return AuthOK{}, nil
	case "auth_failed":
		return AuthFailed{}, nil
	case "pong":
		return Pong{}, nil
	case "config_audio":
		if w.Rate == nil || *w.Rate <= 0 {
			return nil, fmt.Errorf("%w: config_audio without a positive rate", ErrMalformed)
		}
		return ConfigAudio{Rate: *w.Rate}, nil
	case "status":
		return Status{Clients: w.Clients, HAConnected: w.HAConnected, Config: w.Config}, nil
	case "config_update":
		if w.WakeWord == "" {
			return nil, fmt.Errorf("%w: config_update without wake_word", ErrMalformed)
		}
		return ConfigUpdate{WakeWord: w.WakeWord}, nil
	case "ha_status":
		return HAStatus{Connected: w.Connected}, nil
	case "voice_event":
		if w.EventType == nil {
			return nil, fmt.Errorf("%w: voice_event without event_type", ErrMalformed)
		}
		text, _ := w.Data["text"].(string)
		return VoiceEvent{Event: EventType(*w.EventType), Text: text}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
	}
}
