package protocol

// Dialogue service event ids.
const (
	EventStartConnection    uint32 = 1
	EventFinishConnection   uint32 = 2
	EventConnectionStarted  uint32 = 50
	EventConnectionFailed   uint32 = 51
	EventConnectionFinished uint32 = 52

	EventStartSession    uint32 = 100
	EventSessionStarted  uint32 = 150
	EventSessionFinished uint32 = 152
	EventSessionFailed   uint32 = 153

	EventTaskRequest  uint32 = 200 // client audio
	EventASRResponse  uint32 = 451
	EventChatResponse uint32 = 550
	EventTTSEnded     uint32 = 559
)

// IsConnectionEvent reports whether the event is connection scoped, i.e.
// exchanged before a session exists. Such frames carry no session id field.
func IsConnectionEvent(event uint32) bool {
	switch event {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

// StartConnection builds the connection-start control frame: event 1 and a
// gzip-compressed empty JSON object.
func StartConnection() Frame {
	return Frame{
		Type:          MessageControl,
		HasEvent:      true,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Event:         EventStartConnection,
		Payload:       []byte("{}"),
	}
}

// StartSession builds the session-start control frame carrying the JSON
// session configuration.
func StartSession(sessionID string, config []byte) Frame {
	return Frame{
		Type:          MessageControl,
		HasEvent:      true,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Event:         EventStartSession,
		SessionID:     sessionID,
		Payload:       config,
	}
}

// AudioChunk wraps raw client PCM for the upstream.
func AudioChunk(sessionID string, pcm []byte) Frame {
	return Frame{
		Type:          MessageAudioChunk,
		HasEvent:      true,
		Serialization: SerializationRaw,
		Compression:   CompressionGzip,
		Event:         EventTaskRequest,
		SessionID:     sessionID,
		Payload:       pcm,
	}
}
