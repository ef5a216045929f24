// Package server is the single state-owning actor: it holds the session
// registry and the room manager, receives parsed requests from every
// connection's reader goroutine over one channel, and is the only thing
// that ever mutates that state. Every socket write funnels back through
// the same goroutine, matching the event-loop/single-owner model laid
// out in SPEC_FULL's concurrency section.
//
// Grounded on the teacher's queue.go (a channel-owned goroutine is the
// sole mutator of shared state, reached by every connection handler
// through a request channel) and original_source/server_src/main.c's
// handle_req/poll loop (tick ordering, strike policy, PING special
// case).
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"prsi-server/internal/cards"
	"prsi-server/internal/gameerr"
	"prsi-server/internal/protocol"
	"prsi-server/internal/room"
	"prsi-server/internal/session"
	"prsi-server/internal/transport"
)

// maxStrikes is the parse-failure count at which a connection is
// dropped. Strikes never reset on a successful parse — a deliberate
// carry-over of the original's stricter-than-necessary policy.
const maxStrikes = 3

// tickInterval is how often the maintenance pass (room pause/resume/
// abort, idle eviction, offline reap) runs.
const tickInterval = 250 * time.Millisecond

type eventKind int

const (
	evConnect eventKind = iota
	evLine
	evLineTooLong
	evBufferOverflow
	evDisconnect
)

type event struct {
	kind   eventKind
	connID int
	conn   *transport.Conn
	line   string
}

// Server owns every session, room, and live connection. All fields below
// are touched only from the goroutine running Run; everything else
// reaches them by pushing an event onto events.
type Server struct {
	registry *session.Registry
	rooms    *room.Manager
	conns    map[int]*transport.Conn

	events     chan event
	nextConnID int64

	// infoLog carries operationally relevant lines (capacity rejections,
	// strikes, drops); debugLog traces every inbound/outbound protocol
	// line and discards by default, mirroring the teacher's log.go
	// Debug/debug globals — a real writer is swapped in via SetDebug.
	infoLog  *log.Logger
	debugLog *log.Logger
}

// New builds a Server with the given client/room capacity. Debug tracing
// is off by default; see SetDebug.
func New(maxClients, maxRooms int) *Server {
	return &Server{
		registry: session.NewRegistry(maxClients),
		rooms:    room.NewManager(maxRooms),
		conns:    make(map[int]*transport.Conn),
		events:   make(chan event, 256),
		infoLog:  log.New(os.Stderr, "", log.LstdFlags),
		debugLog: log.New(io.Discard, "[debug] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetDebug enables or disables per-line protocol tracing, matching the
// teacher's conf.go toggle of its package-level debug logger between
// os.Stderr and io.Discard.
func (srv *Server) SetDebug(enabled bool) {
	if enabled {
		srv.debugLog.SetOutput(os.Stderr)
		srv.debugLog.Print("debug tracing enabled")
	} else {
		srv.debugLog.Print("debug tracing disabled")
		srv.debugLog.SetOutput(io.Discard)
	}
}

// Accept is the transport.Handler passed to transport.ListenTCP/ListenWS:
// one call per accepted connection, run on its own goroutine. It feeds
// parsed lines back to Run's owning goroutine and returns once the
// connection's read loop ends.
func (srv *Server) Accept(conn *transport.Conn) {
	id := int(atomic.AddInt64(&srv.nextConnID, 1))
	srv.events <- event{kind: evConnect, connID: id, conn: conn}

	for {
		line, err := conn.ReadLine()
		if err != nil {
			if errors.Is(err, transport.ErrLineTooLong) {
				srv.events <- event{kind: evLineTooLong, connID: id}
			} else if errors.Is(err, transport.ErrBufferOverflow) {
				srv.events <- event{kind: evBufferOverflow, connID: id}
			}
			break
		}
		srv.events <- event{kind: evLine, connID: id, line: line}
	}
	srv.events <- event{kind: evDisconnect, connID: id}
}

// Run processes events and the maintenance tick until ctx is cancelled.
func (srv *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			srv.shutdown()
			return
		case ev := <-srv.events:
			srv.handleEvent(ev)
		case now := <-ticker.C:
			srv.tick(now)
		}
	}
}

func (srv *Server) shutdown() {
	for id, c := range srv.conns {
		c.Close()
		delete(srv.conns, id)
	}
}

func (srv *Server) handleEvent(ev event) {
	switch ev.kind {
	case evConnect:
		srv.handleConnect(ev.connID, ev.conn)
	case evLine:
		srv.dispatch(ev.connID, ev.line)
	case evLineTooLong:
		srv.sendErrConn(ev.connID, "UNKNOWN", gameerr.BadFormat, "line_too_long")
		srv.dropConn(ev.connID, time.Now())
	case evBufferOverflow:
		srv.sendErrConn(ev.connID, "UNKNOWN", gameerr.BadFormat, "buffer_overflow")
		srv.dropConn(ev.connID, time.Now())
	case evDisconnect:
		srv.handleDisconnect(ev.connID, time.Now())
	}
}

func (srv *Server) handleConnect(connID int, conn *transport.Conn) {
	if _, ok := srv.registry.NewConnection(connID); !ok {
		srv.infoLog.Printf("connection %d rejected: at capacity", connID)
		conn.Close()
		return
	}
	srv.conns[connID] = conn
	srv.writeConn(connID, protocol.Encode(protocol.EVT, "SERVER", protocol.P("msg", "welcome")))
}

// handleDisconnect runs whether the socket closed cleanly, errored, or
// was force-closed by the idle reaper; the only trace left behind is the
// session going offline.
func (srv *Server) handleDisconnect(connID int, now time.Time) {
	if c, ok := srv.conns[connID]; ok {
		c.Close()
		delete(srv.conns, connID)
	}
	sess := srv.registry.Disconnect(connID, now)
	if sess == nil || sess.RoomID == session.NoRoom {
		return
	}
	if r, ok := srv.rooms.Room(sess.RoomID); ok {
		r.Broadcast(srv, protocol.Encode(protocol.EVT, "PLAYER_OFFLINE", protocol.P("nick", sess.Nick)))
		if r.Phase == room.Game {
			r.Pause(srv, sess.Nick, now, int(session.OfflineTimeout/time.Second))
		}
	}
}

// dropConn force-disconnects connID, used for strikes, hard write
// errors, and framing violations.
func (srv *Server) dropConn(connID int, now time.Time) {
	srv.handleDisconnect(connID, now)
}

func (srv *Server) writeConn(connID int, line string) {
	conn, ok := srv.conns[connID]
	if !ok {
		return
	}
	srv.debugLog.Printf("%d > %s", connID, line)
	if err := conn.WriteLine(line); err != nil {
		srv.dropConn(connID, time.Now())
	}
}

func (srv *Server) sendErrConn(connID int, cmd string, code gameerr.Code, msg string) {
	srv.writeConn(connID, protocol.Encode(protocol.ERR, cmd,
		protocol.P("code", string(code)), protocol.P("msg", msg)))
}

// SendLine implements room.Sender: routes by session id through the
// registry to whichever connection currently holds that session, or
// drops the line silently if the session is offline.
func (srv *Server) SendLine(sessionID int, line string) {
	sess, ok := srv.registry.Session(sessionID)
	if !ok || !sess.Online || sess.ConnID < 0 {
		return
	}
	srv.writeConn(sess.ConnID, line)
}

// SendErr implements room.Sender.
func (srv *Server) SendErr(sessionID int, cmd string, code gameerr.Code, msg string) {
	srv.SendLine(sessionID, protocol.Encode(protocol.ERR, cmd,
		protocol.P("code", string(code)), protocol.P("msg", msg)))
}

func (srv *Server) onlineFunc() func(int) bool {
	return func(sessionID int) bool {
		s, ok := srv.registry.Session(sessionID)
		return ok && s.Online
	}
}

// strike records a parse failure on connID's connection and drops it at
// maxStrikes. Strikes never reset on success, per spec §9.
func (srv *Server) strike(connID int, now time.Time) {
	c, ok := srv.registry.Conn(connID)
	if !ok {
		return
	}
	c.Strikes++
	srv.sendErrConn(connID, "UNKNOWN", gameerr.BadFormat, "parse_error")
	if c.Strikes >= maxStrikes {
		srv.infoLog.Printf("connection %d dropped after %d strikes", connID, c.Strikes)
		srv.dropConn(connID, now)
	}
}

func (srv *Server) dispatch(connID int, line string) {
	srv.debugLog.Printf("%d < %s", connID, line)
	now := time.Now()
	msg, ok := protocol.Parse(line)
	if !ok {
		srv.strike(connID, now)
		return
	}
	if msg.Type != protocol.REQ {
		srv.sendErrConn(connID, msg.Cmd, gameerr.BadFormat, "expected_req")
		return
	}

	// Any well-formed REQ line counts as activity for the 15s idle
	// timer; PING is simply the cheapest way to generate it.
	srv.registry.Touch(connID, now)

	switch msg.Cmd {
	case "LOGIN":
		srv.handleLogin(connID, msg, now)
	case "LOGOUT":
		srv.handleLogout(connID, now)
	case "RESUME":
		srv.handleResume(connID, msg, now)
	case "LIST_ROOMS":
		srv.handleListRooms(connID)
	case "CREATE_ROOM":
		srv.handleCreateRoom(connID, msg)
	case "JOIN_ROOM":
		srv.handleJoinRoom(connID, msg)
	case "LEAVE_ROOM":
		srv.handleLeaveRoom(connID)
	case "START_GAME":
		srv.handleStartGame(connID, now)
	case "PLAY":
		srv.handlePlay(connID, msg)
	case "DRAW":
		srv.handleDraw(connID)
	case "PING":
		srv.handlePing(connID)
	default:
		srv.sendErrConn(connID, msg.Cmd, gameerr.UnknownCmd, "unknown")
	}
}

func (srv *Server) requireLoggedIn(connID int, cmd string) (*session.Session, bool) {
	sess, ok := srv.registry.SessionOf(connID)
	if !ok {
		srv.sendErrConn(connID, cmd, gameerr.NotLogged, "rejected")
		return nil, false
	}
	return sess, true
}

func (srv *Server) roomFor(sess *session.Session) (*room.Room, bool) {
	if sess.RoomID == session.NoRoom {
		return nil, false
	}
	return srv.rooms.Room(sess.RoomID)
}

func (srv *Server) handleLogin(connID int, msg protocol.Message, now time.Time) {
	sess, err := srv.registry.Login(connID, msg.GetOr("nick", ""), now)
	if err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "LOGIN", ge.Code, ge.Msg)
		return
	}
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "LOGIN",
		protocol.P("ok", "1"), protocol.P("session", sess.Token)))
}

func (srv *Server) handleLogout(connID int, now time.Time) {
	sess, ok := srv.requireLoggedIn(connID, "LOGOUT")
	if !ok {
		return
	}
	if sess.RoomID != session.NoRoom {
		if r, ok := srv.rooms.Room(sess.RoomID); ok {
			if r.Phase == room.Game {
				r.Abort(srv, "logout")
			}
			srv.rooms.LeaveRoom(srv, r, sess.ID)
		}
	}
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "LOGOUT", protocol.P("ok", "1")))
	srv.registry.Logout(connID)
	srv.dropConn(connID, now)
}

func (srv *Server) handleResume(connID int, msg protocol.Message, now time.Time) {
	sess, err := srv.registry.Resume(connID, msg.GetOr("nick", ""), msg.GetOr("session", ""), now)
	if err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "RESUME", ge.Code, ge.Msg)
		return
	}
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "RESUME", protocol.P("ok", "1")))

	r, ok := srv.rooms.Room(sess.RoomID)
	if !ok {
		return
	}
	r.BroadcastExcept(srv, sess.ID, protocol.Encode(protocol.EVT, "PLAYER_ONLINE", protocol.P("nick", sess.Nick)))
	r.SendRoster(srv, sess.ID, srv.onlineFunc())
	r.SendState(srv, sess.ID)

	if r.Phase == room.Game {
		if ppos := r.Pos(sess.ID); ppos >= 0 && r.Game != nil {
			turnNick := "-"
			if r.Game.TurnPos >= 0 && r.Game.TurnPos < len(r.Players) {
				turnNick = r.Players[r.Game.TurnPos].Nick
			}
			srv.SendLine(sess.ID, protocol.Encode(protocol.EVT, "HAND",
				protocol.P("cards", cards.Join(r.Game.Hands[ppos]))))
			srv.SendLine(sess.ID, protocol.Encode(protocol.EVT, "TOP",
				protocol.P("card", r.Game.TopCard.String()),
				protocol.P("active_suit", string(r.Game.ActiveSuit)),
				protocol.P("penalty", strconv.Itoa(r.Game.Penalty))))
			srv.SendLine(sess.ID, protocol.Encode(protocol.EVT, "TURN", protocol.P("nick", turnNick)))
		}
	}

	if r.Paused && srv.allMembersOnline(r) {
		r.Resume(srv)
	}
}

func (srv *Server) allMembersOnline(r *room.Room) bool {
	for _, p := range r.Players {
		s, ok := srv.registry.Session(p.SessionID)
		if !ok || !s.Online {
			return false
		}
	}
	return true
}

func (srv *Server) handleListRooms(connID int) {
	if _, ok := srv.requireLoggedIn(connID, "LIST_ROOMS"); !ok {
		return
	}
	rooms := srv.rooms.All()
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "LIST_ROOMS",
		protocol.P("ok", "1"), protocol.P("rooms", strconv.Itoa(len(rooms)))))
	for _, r := range rooms {
		srv.writeConn(connID, protocol.Encode(protocol.EVT, "ROOM",
			protocol.P("id", strconv.Itoa(r.ID)),
			protocol.P("name", r.Name),
			protocol.P("players", strconv.Itoa(len(r.Players))+"/"+strconv.Itoa(r.Size)),
			protocol.P("state", string(r.Phase))))
	}
}

func (srv *Server) handleCreateRoom(connID int, msg protocol.Message) {
	sess, ok := srv.requireLoggedIn(connID, "CREATE_ROOM")
	if !ok {
		return
	}
	if sess.RoomID != session.NoRoom {
		srv.sendErrConn(connID, "CREATE_ROOM", gameerr.BadState, "already_in_room")
		return
	}
	size, convErr := strconv.Atoi(msg.GetOr("size", ""))
	if convErr != nil {
		srv.sendErrConn(connID, "CREATE_ROOM", gameerr.InvalidValue, "bad_size")
		return
	}
	r, err := srv.rooms.CreateRoom(srv, msg.GetOr("name", ""), size, sess.ID, sess.Nick)
	if err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "CREATE_ROOM", ge.Code, ge.Msg)
		return
	}
	sess.RoomID = r.ID
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "CREATE_ROOM",
		protocol.P("ok", "1"), protocol.P("room", strconv.Itoa(r.ID))))
}

func (srv *Server) handleJoinRoom(connID int, msg protocol.Message) {
	sess, ok := srv.requireLoggedIn(connID, "JOIN_ROOM")
	if !ok {
		return
	}
	if sess.RoomID != session.NoRoom {
		srv.sendErrConn(connID, "JOIN_ROOM", gameerr.BadState, "already_in_room")
		return
	}
	roomID, convErr := strconv.Atoi(msg.GetOr("room", ""))
	if convErr != nil {
		srv.sendErrConn(connID, "JOIN_ROOM", gameerr.NoSuchRoom, "rejected")
		return
	}
	r, err := srv.rooms.JoinRoom(srv, roomID, sess.ID, sess.Nick, srv.onlineFunc())
	if err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "JOIN_ROOM", ge.Code, ge.Msg)
		return
	}
	sess.RoomID = r.ID
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "JOIN_ROOM", protocol.P("ok", "1")))
}

func (srv *Server) handleLeaveRoom(connID int) {
	sess, ok := srv.requireLoggedIn(connID, "LEAVE_ROOM")
	if !ok {
		return
	}
	r, ok := srv.roomFor(sess)
	if !ok {
		srv.sendErrConn(connID, "LEAVE_ROOM", gameerr.BadState, "not_in_room")
		return
	}
	if err := srv.rooms.LeaveRoom(srv, r, sess.ID); err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "LEAVE_ROOM", ge.Code, ge.Msg)
		return
	}
	sess.RoomID = session.NoRoom
	sess.InGame = false
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "LEAVE_ROOM", protocol.P("ok", "1")))
}

func (srv *Server) handleStartGame(connID int, now time.Time) {
	sess, ok := srv.requireLoggedIn(connID, "START_GAME")
	if !ok {
		return
	}
	r, ok := srv.roomFor(sess)
	if !ok {
		srv.sendErrConn(connID, "START_GAME", gameerr.BadState, "not_in_room")
		return
	}
	if err := srv.rooms.StartGame(srv, r, sess.ID, now); err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "START_GAME", ge.Code, ge.Msg)
		return
	}
	for _, p := range r.Players {
		if s2, ok := srv.registry.Session(p.SessionID); ok {
			s2.InGame = true
		}
	}
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "START_GAME", protocol.P("ok", "1")))
}

func (srv *Server) handlePlay(connID int, msg protocol.Message) {
	sess, ok := srv.requireLoggedIn(connID, "PLAY")
	if !ok {
		return
	}
	r, ok := srv.roomFor(sess)
	if !ok {
		srv.sendErrConn(connID, "PLAY", gameerr.BadState, "not_in_room")
		return
	}
	c, okc := cards.Parse(msg.GetOr("card", ""))
	if !okc {
		srv.sendErrConn(connID, "PLAY", gameerr.NoSuchCard, "rejected")
		return
	}
	var wish byte
	if w := msg.GetOr("wish", ""); w != "" {
		wish = w[0]
	}
	// Manager.Play sends RESP PLAY ok=1 itself, ahead of the broadcasts
	// that narrate the move — see the comment inside Manager.Play.
	if err := srv.rooms.Play(srv, r, sess.ID, c, wish); err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "PLAY", ge.Code, ge.Msg)
	}
}

func (srv *Server) handleDraw(connID int) {
	sess, ok := srv.requireLoggedIn(connID, "DRAW")
	if !ok {
		return
	}
	r, ok := srv.roomFor(sess)
	if !ok {
		srv.sendErrConn(connID, "DRAW", gameerr.BadState, "not_in_room")
		return
	}
	if _, err := srv.rooms.Draw(srv, r, sess.ID); err != nil {
		ge := err.(*gameerr.Error)
		srv.sendErrConn(connID, "DRAW", ge.Code, ge.Msg)
	}
}

// handlePing needs no extra work: dispatch already touched last-seen and
// online status for every well-formed REQ line before reaching here.
func (srv *Server) handlePing(connID int) {
	srv.writeConn(connID, protocol.Encode(protocol.RESP, "PONG"))
}

// tick runs the 250ms maintenance pass: rooms first (pause/abort/resume
// on member connectivity), then idle eviction, then the offline reaper —
// matching the original's poll-loop ordering.
func (srv *Server) tick(now time.Time) {
	srv.tickRooms(now)
	srv.tickIdle(now)
	srv.tickReap(now)
}

func (srv *Server) tickRooms(now time.Time) {
	for _, r := range srv.rooms.All() {
		if r.Phase != room.Game {
			continue
		}
		if r.Paused {
			if now.Sub(r.PauseStarted) > session.OfflineTimeout {
				r.Abort(srv, "reconnect_timeout")
				for _, p := range r.Players {
					if s, ok := srv.registry.Session(p.SessionID); ok {
						s.InGame = false
					}
				}
				continue
			}
			if srv.allMembersOnline(r) {
				r.Resume(srv)
			}
			continue
		}
		if offline := srv.firstOfflineNick(r); offline != "" {
			r.Pause(srv, offline, now, int(session.OfflineTimeout/time.Second))
		}
	}
}

func (srv *Server) firstOfflineNick(r *room.Room) string {
	for _, p := range r.Players {
		if s, ok := srv.registry.Session(p.SessionID); ok && !s.Online {
			return s.Nick
		}
	}
	return ""
}

// tickIdle force-disconnects any online-but-silent connection past
// session.IdleTimeout, which then starts that session's 120s offline
// window exactly as if the socket had dropped.
func (srv *Server) tickIdle(now time.Time) {
	var stale []int
	for connID := range srv.conns {
		sess, ok := srv.registry.SessionOf(connID)
		if !ok || !sess.Online {
			continue
		}
		if now.Sub(sess.LastSeen) > session.IdleTimeout {
			stale = append(stale, connID)
		}
	}
	for _, connID := range stale {
		srv.dropConn(connID, now)
	}
}

func (srv *Server) tickReap(now time.Time) {
	for _, sess := range srv.registry.ExpiredOffline(now) {
		if sess.RoomID != session.NoRoom {
			if r, ok := srv.rooms.Room(sess.RoomID); ok {
				srv.rooms.RemoveOffline(srv, r, sess.ID)
			}
		}
		srv.registry.Remove(sess)
	}
}
