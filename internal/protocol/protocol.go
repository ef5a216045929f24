// Package protocol implements the line-oriented wire codec: parsing a
// line into {type, command, key->value map} and encoding the same shape
// back into a line.
//
// Grounded on original_source/server_src/protocol.c (split_token,
// parse_kv, proto_get) for the exact parse contract, adapted into
// idiomatic Go (returning a (Message, bool) rather than writing through
// an out-parameter).
package protocol

import "strings"

// Type is the first token of a line.
type Type string

const (
	REQ  Type = "REQ"
	RESP Type = "RESP"
	EVT  Type = "EVT"
	ERR  Type = "ERR"
)

const (
	maxKey   = 31
	maxVal   = 127
	maxKV    = 31
	MaxLine  = 1024
)

// Message is a parsed protocol line.
type Message struct {
	Type Type
	Cmd  string
	keys []string
	vals []string
}

// Get returns the value for key, honoring first-occurrence-wins for
// duplicate keys, and reports whether the key was present at all.
func (m *Message) Get(key string) (string, bool) {
	for i, k := range m.keys {
		if k == key {
			return m.vals[i], true
		}
	}
	return "", false
}

// GetOr returns the value for key, or def if the key is absent.
func (m *Message) GetOr(key, def string) string {
	if v, ok := m.Get(key); ok {
		return v
	}
	return def
}

func isType(tok string) (Type, bool) {
	switch Type(tok) {
	case REQ, RESP, EVT, ERR:
		return Type(tok), true
	}
	return "", false
}

// Parse splits a single line into a Message. It returns ok=false if the
// line has fewer than two whitespace-separated tokens or the first token
// is not one of REQ/RESP/EVT/ERR. A pair whose key exceeds maxKey is
// dropped entirely, matching parse_kv's klen>=MAX_KEY rejection; a value
// exceeding maxVal is truncated rather than dropped, since only the key
// is load-bearing for proto_get lookups. Callers needing to frame-reject
// overlong lines do so before calling Parse (the 1024-byte line limit is
// an I/O-layer concern, not a parser one).
func Parse(line string) (Message, bool) {
	toks := strings.Fields(line)
	if len(toks) < 2 {
		return Message{}, false
	}
	typ, ok := isType(toks[0])
	if !ok {
		return Message{}, false
	}

	m := Message{Type: typ, Cmd: toks[1]}
	for _, tok := range toks[2:] {
		if len(m.keys) >= maxKV {
			break
		}
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			continue
		}
		key, val := tok[:eq], tok[eq+1:]
		if len(key) > maxKey {
			continue
		}
		if len(val) > maxVal {
			val = val[:maxVal]
		}
		m.keys = append(m.keys, key)
		m.vals = append(m.vals, val)
	}
	return m, true
}

// KV is one key=value pair used when encoding an outbound line.
type KV struct {
	Key, Val string
}

// P is a convenience constructor for a KV pair, used at call sites
// building outbound lines (e.g. protocol.Encode(protocol.EVT, "STATE",
// protocol.P("room", "3"), ...)).
func P(key, val string) KV {
	return KV{Key: key, Val: val}
}

// Encode renders a line in the TYPE CMD (KEY=VALUE)* grammar, without the
// trailing newline — callers append the line terminator appropriate to
// their transport (internal/transport adds "\n").
func Encode(typ Type, cmd string, kvs ...KV) string {
	var b strings.Builder
	b.WriteString(string(typ))
	b.WriteByte(' ')
	b.WriteString(cmd)
	for _, kv := range kvs {
		b.WriteByte(' ')
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(kv.Val)
	}
	return b.String()
}
