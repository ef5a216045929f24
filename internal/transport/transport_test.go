package transport

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is an io.ReadWriteCloser over an in-memory pipe pair, letting
// tests exercise Conn's framing without touching a real socket.
type pipeConn struct {
	r io.Reader
	w io.Writer
}

func (p pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeConn) Close() error                { return nil }

func newTestConn(data string) *Conn {
	return NewConn(pipeConn{r: stringReader(data)}, "test")
}

type stringReader string

func (s stringReader) Read(b []byte) (int, error) {
	if len(s) == 0 {
		return 0, io.EOF
	}
	n := copy(b, s)
	return n, nil
}

func TestReadLineStripsLF(t *testing.T) {
	c := newTestConn("REQ PING\n")
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "REQ PING", line)
}

func TestReadLineStripsCRLF(t *testing.T) {
	c := newTestConn("REQ PING\r\n")
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "REQ PING", line)
}

func TestReadLineMultipleLines(t *testing.T) {
	c := newTestConn("REQ A\nREQ B\n")
	line1, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "REQ A", line1)

	line2, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "REQ B", line2)
}

func TestReadLineTooLong(t *testing.T) {
	long := make([]byte, MaxLine+10)
	for i := range long {
		long[i] = 'x'
	}
	long[len(long)-1] = '\n'
	c := newTestConn(string(long))

	_, err := c.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadLineBufferOverflow(t *testing.T) {
	noNewline := make([]byte, RecvBufSize+100)
	for i := range noNewline {
		noNewline[i] = 'x'
	}
	c := newTestConn(string(noNewline))

	_, err := c.ReadLine()
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestWriteLineAppendsNewline(t *testing.T) {
	var buf writeBuf
	c := NewConn(pipeConn{r: stringReader(""), w: &buf}, "test")
	require.NoError(t, c.WriteLine("RESP PONG"))
	assert.Equal(t, "RESP PONG\n", string(buf))
}

type writeBuf []byte

func (b *writeBuf) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
