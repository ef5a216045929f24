package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	m, ok := Parse("REQ LOGIN nick=alice")
	require.True(t, ok)
	assert.Equal(t, REQ, m.Type)
	assert.Equal(t, "LOGIN", m.Cmd)
	v, ok := m.Get("nick")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestParseRejectsShortLines(t *testing.T) {
	_, ok := Parse("REQ")
	assert.False(t, ok)
	_, ok = Parse("")
	assert.False(t, ok)
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, ok := Parse("FOO BAR k=v")
	assert.False(t, ok)
}

func TestParseFirstOccurrenceWins(t *testing.T) {
	m, ok := Parse("REQ PLAY card=HK card=SA")
	require.True(t, ok)
	v, _ := m.Get("card")
	assert.Equal(t, "HK", v)
}

func TestParseIgnoresTokensWithoutEquals(t *testing.T) {
	m, ok := Parse("REQ PING garbage")
	require.True(t, ok)
	_, present := m.Get("garbage")
	assert.False(t, present)
}

func TestParseMissingKeyReturnsFalse(t *testing.T) {
	m, ok := Parse("REQ LOGIN")
	require.True(t, ok)
	_, present := m.Get("nick")
	assert.False(t, present)
}

func TestParseDropsOversizedKeyButTruncatesOversizedValue(t *testing.T) {
	longKey := strings.Repeat("k", 50)
	longVal := strings.Repeat("v", 200)
	m, ok := Parse("REQ LOGIN " + longKey + "=" + longVal + " nick=" + longVal)
	require.True(t, ok)

	_, present := m.Get(longKey)
	assert.False(t, present, "a key over maxKey is dropped entirely, not truncated")
	_, present = m.Get(longKey[:31])
	assert.False(t, present)

	v, present := m.Get("nick")
	require.True(t, present)
	assert.Len(t, v, 127)
}

func TestParseDropsKVBeyondLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("REQ CMD")
	for i := 0; i < 40; i++ {
		b.WriteString(" k")
		b.WriteString(string(rune('a' + i%26)))
		b.WriteString("=v")
	}
	m, ok := Parse(b.String())
	require.True(t, ok)
	assert.LessOrEqual(t, len(m.keys), maxKV)
}

func TestEncode(t *testing.T) {
	line := Encode(EVT, "STATE", P("room", "3"), P("phase", "LOBBY"))
	assert.Equal(t, "EVT STATE room=3 phase=LOBBY", line)
}

func TestEncodeNoArgs(t *testing.T) {
	assert.Equal(t, "RESP PONG", Encode(RESP, "PONG"))
}
