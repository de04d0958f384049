package protocol

import (
	"github.com/bytedance/sonic"
)

// Kind is what a decoded frame carries once its payload is inspected.
type Kind int

const (
	KindUnknown Kind = iota
	KindAudio        // raw PCM from the synthesizer
	KindJSON         // parsed JSON event payload
	KindRaw          // non-JSON bytes on a response frame
	KindError        // service error frame
)

// Message is a classified frame.
type Message struct {
	Kind      Kind
	Type      MessageType
	Event     uint32
	HasEvent  bool
	SessionID string
	Audio     []byte
	JSON      []byte
	Raw       []byte
	ErrorCode uint32
}

// ASRResult is one recognition hypothesis. A result without is_interim is
// treated as interim.
type ASRResult struct {
	Text      string `json:"text"`
	IsInterim *bool  `json:"is_interim,omitempty"`
}

// Final reports whether the service marked the result as not interim.
func (r ASRResult) Final() bool {
	return r.IsInterim != nil && !*r.IsInterim
}

// ASRResponse is the payload of EventASRResponse.
type ASRResponse struct {
	Results []ASRResult `json:"results"`
}

// ChatResponse is the payload of EventChatResponse.
type ChatResponse struct {
	Content string `json:"content"`
}

// Classify inspects the payload of f. Audio frames flagged as JSON whose
// payload does not parse are treated as raw audio.
func Classify(f Frame) Message {
	m := Message{
		Type:      f.Type,
		Event:     f.Event,
		HasEvent:  f.HasEvent,
		SessionID: f.SessionID,
	}

	switch f.Type {
	case MessageAudioResponse:
		if f.Serialization == SerializationJSON && len(f.Payload) > 0 && isJSON(f.Payload) {
			m.Kind = KindJSON
			m.JSON = f.Payload
			return m
		}
		m.Kind = KindAudio
		m.Audio = f.Payload
	case MessageFullResponse:
		if f.Serialization == SerializationJSON && len(f.Payload) > 0 && isJSON(f.Payload) {
			m.Kind = KindJSON
			m.JSON = f.Payload
			return m
		}
		m.Kind = KindRaw
		m.Raw = f.Payload
	case MessageError:
		m.Kind = KindError
		m.ErrorCode = f.ErrorCode
		m.Raw = f.Payload
	}
	return m
}

func isJSON(p []byte) bool {
	var v any
	return sonic.Unmarshal(p, &v) == nil
}

// FinalTranscript returns the text of the first result when it is final.
func (m Message) FinalTranscript() (string, bool) {
	if m.Kind != KindJSON || m.Event != EventASRResponse {
		return "", false
	}
	var resp ASRResponse
	if err := sonic.Unmarshal(m.JSON, &resp); err != nil || len(resp.Results) == 0 {
		return "", false
	}
	first := resp.Results[0]
	if !first.Final() {
		return "", false
	}
	return first.Text, true
}

// ChatContent returns the text of a chat response event.
func (m Message) ChatContent() (string, bool) {
	if m.Kind != KindJSON || m.Event != EventChatResponse {
		return "", false
	}
	var resp ChatResponse
	if err := sonic.Unmarshal(m.JSON, &resp); err != nil {
		return "", false
	}
	return resp.Content, true
}
