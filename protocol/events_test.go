package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConnectionEvent(t *testing.T) {
	for _, ev := range []uint32{1, 2, 50, 51, 52} {
		assert.True(t, IsConnectionEvent(ev), "event %d", ev)
	}
	for _, ev := range []uint32{0, 100, 150, 200, 451, 559} {
		assert.False(t, IsConnectionEvent(ev), "event %d", ev)
	}
}

func TestStartSessionCarriesIDAndConfig(t *testing.T) {
	cfg := []byte(`{"dialog":{"bot_name":"Doubao"}}`)
	wire, err := Encode(StartSession("sess-1", cfg))
	require.NoError(t, err)

	f, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, MessageControl, f.Type)
	assert.Equal(t, EventStartSession, f.Event)
	assert.Equal(t, "sess-1", f.SessionID)
	assert.Equal(t, SerializationJSON, f.Serialization)
	assert.JSONEq(t, string(cfg), string(f.Payload))
}
