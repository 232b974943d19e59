package micromail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a\tb.c.d", sanitize("a\tb\rc\x00d"))
	assert.Equal(t, "Grüße", sanitize("Grüße"))
}

func TestTranscript(t *testing.T) {
	tr := Transcript{
		{State: StateConnecting, Dir: DirInfo, Text: "connecting to 127.0.0.1:25"},
		{State: StateConnected, Dir: DirServer, Text: "220 mx.test ESMTP ready"},
		{State: StateConnected, Dir: DirClient, Text: "EHLO client.test"},
		{State: StateEnvelopeFrom, Dir: DirClient, Text: "MAIL FROM:<alice@example.com>"},
	}

	assert.Equal(t, "[Connecting] * connecting to 127.0.0.1:25\n"+
		"[Connected] S: 220 mx.test ESMTP ready\n"+
		"[Connected] C: EHLO client.test\n"+
		"[EnvelopeFrom] C: MAIL FROM:<alice@example.com>", tr.String())

	assert.True(t, tr.Contains("ESMTP ready"))
	assert.False(t, tr.Contains("RCPT"))
	assert.Len(t, tr.InState(StateConnected), 2)
	assert.Empty(t, tr.InState(StateDataBody))
}

func TestState(t *testing.T) {
	assert.Equal(t, "TLSHandshake", StateTLSHandshake.String())
	assert.Equal(t, "Unknown", State(99).String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateClosing.Terminal())
}
