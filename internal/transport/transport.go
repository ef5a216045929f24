// Package transport implements the byte-level accept loop and
// per-connection line framing: TCP and, as an alternate front door,
// WebSocket. Both feed the exact same line-oriented request/response
// stream into the connection handler supplied by internal/server.
//
// Grounded on original_source/server_src/main.c's on_readable (buffer
// sizing, newline splitting, the 1024-byte line cap, the buffer-overflow
// check) for the TCP framing contract, and the teacher's main.go
// listen()/ws.go listenUpgrade() for the dual-transport shape in Go —
// nhooyr.io/websocket's ws.NetConn turns an upgraded HTTP connection back
// into a plain io.ReadWriteCloser so one Conn abstraction serves both.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"

	ws "nhooyr.io/websocket"
)

const (
	// RecvBufSize is the per-connection receive buffer capacity.
	RecvBufSize = 8192
	// MaxLine is the longest line accepted before the slot is dropped.
	MaxLine = 1024
)

// ErrLineTooLong is returned by Conn.ReadLine when a line (including its
// terminator) would exceed MaxLine bytes.
var ErrLineTooLong = errors.New("transport: line too long")

// ErrBufferOverflow is returned by Conn.ReadLine when incoming bytes
// accumulate past RecvBufSize before a newline is ever found — a client
// streaming bytes with no line terminator, distinct from a framed line
// that is merely longer than MaxLine.
var ErrBufferOverflow = errors.New("transport: receive buffer overflow")

// Conn wraps one accepted connection (TCP or WebSocket-upgraded) behind a
// line-oriented interface matching on_readable's contract: read one
// complete line at a time, stripped of its \r\n, or an error if the
// connection misbehaves or closes.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	remote string
}

// NewConn wraps rwc for line-oriented reads. remote is used only for
// logging.
func NewConn(rwc io.ReadWriteCloser, remote string) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, RecvBufSize),
		remote: remote,
	}
}

// RemoteAddr reports the peer's address as recorded at accept time.
func (c *Conn) RemoteAddr() string { return c.remote }

// ReadLine accumulates bytes up to and including the next '\n', strips
// the terminator (and a preceding '\r' if present), and returns the
// line. It returns ErrBufferOverflow if more than RecvBufSize bytes
// accumulate with no newline in sight — a client streaming bytes with no
// line terminator — and ErrLineTooLong if a newline is found but the
// framed line exceeds MaxLine; the caller drops the connection on
// either, per spec's BAD_FORMAT buffer_overflow / line_too_long
// contract. bufio.Reader.ReadString would instead grow an internal
// buffer without bound to find a delimiter, so this reads via ReadSlice
// directly to enforce the cap while still accumulating.
func (c *Conn) ReadLine() (string, error) {
	var buf []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > RecvBufSize {
			return "", ErrBufferOverflow
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(buf) == 0 {
			return "", err
		}
		// A partial line followed by EOF/error: still worth surfacing,
		// the caller's wrapping protocol parser will reject whatever
		// garbage this is on its own terms.
		return trimEOL(string(buf)), err
	}
	if len(buf) > MaxLine {
		return "", ErrLineTooLong
	}
	return trimEOL(string(buf)), nil
}

func trimEOL(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

// WriteLine writes s followed by "\n" in one call, matching the wire's
// \n terminator (the protocol tolerates \r\n on read but never emits it).
func (c *Conn) WriteLine(s string) error {
	_, err := io.WriteString(c.rwc, s+"\n")
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.rwc.Close() }

// Handler is called once per accepted connection, on its own goroutine.
// Implementations read lines from conn in a loop and hand them off to
// the single-owner dispatch loop; they must not retain conn beyond
// returning.
type Handler func(conn *Conn)

// ListenTCP listens on addr and starts an accept loop on its own
// goroutine, calling handle for each connection on a further goroutine,
// matching the teacher's listen()/original's net_listen accept loop. It
// returns the error if the listener cannot be started, and nil as soon
// as it is; accept errors on individual connections are logged and do
// not stop the loop.
func ListenTCP(addr string, handle Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("listening on tcp %s", addr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Print(err)
				continue
			}
			log.Printf("new connection from %s", conn.RemoteAddr())
			go handle(NewConn(conn, conn.RemoteAddr().String()))
		}
	}()
	return nil
}

// ListenWS serves a WebSocket upgrade on addr at path "/ws", feeding the
// same Handler. It is the optional second front door described in
// SPEC_FULL's domain stack: the same line protocol, reachable from a
// browser without a raw TCP socket.
func ListenWS(addr string, handle Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Accept(w, r, nil)
		if err != nil {
			http.Error(w, "failed to establish websocket connection", http.StatusBadRequest)
			return
		}
		defer c.Close(ws.StatusInternalError, "connection error")

		conn := ws.NetConn(context.Background(), c, ws.MessageText)
		log.Printf("new websocket connection from %s", conn.RemoteAddr())
		handle(NewConn(conn, conn.RemoteAddr().String()))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("listening on ws %s/ws", addr)
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Print(err)
		}
	}()
	return nil
}
