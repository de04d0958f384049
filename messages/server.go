package messages

import "github.com/bytedance/sonic"

// Message types sent to the client as text frames
const (
	TypeReady  = "ready"
	TypeTTSEnd = "tts_end"
)

const (
	readyText  = "🎤 Server ready, start talking"
	ttsEndText = "TTS finished, stop streaming playback"
)

// Notification is a JSON text message for the embedded client. Audio itself
// always travels as binary frames.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewReady tells the client the upstream session is live
func NewReady() *Notification {
	return &Notification{Type: TypeReady, Message: readyText}
}

// NewTTSEnd tells the client the synthesized turn is over and playback can stop
func NewTTSEnd() *Notification {
	return &Notification{Type: TypeTTSEnd, Message: ttsEndText}
}

// Encode marshals n for a text frame
func (n *Notification) Encode() ([]byte, error) {
	return sonic.Marshal(n)
}
