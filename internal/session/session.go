// Package session implements the identity layer: nicknames, session
// tokens, and the online/offline lifecycle that survives a dropped TCP
// connection across a resume.
//
// Grounded on original_source/server_src/lobby.c's client-identity
// functions (lobby_handle_login, lobby_handle_resume, lobby_handle_logout,
// lobby_on_disconnect, and the client-reaping half of lobby_tick), but
// restructured per spec-level design guidance: rather than one merged
// slot where resume copies fields into a new index and rewrites every
// room-side reference to the old one, a Session's id is stable for its
// entire lifetime and a Connection is a disposable thing that points at
// a Session once login/resume succeeds. Rooms hold Session ids, which
// never move; resume simply repoints Session.ConnID and Connection.SessionID.
package session

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"prsi-server/internal/gameerr"
)

const (
	// OfflineTimeout is how long a session may stay offline before the
	// reaper removes it from its room and frees the slot.
	OfflineTimeout = 120 * time.Second
	// IdleTimeout is how long an online-but-silent connection may go
	// without activity before it is force-disconnected.
	IdleTimeout = 15 * time.Second
)

// NoRoom is the sentinel room id meaning "not currently in a room".
const NoRoom = -1

// Session is a logged-in identity: nickname, token, room membership, and
// online bookkeeping. It outlives any one TCP connection.
type Session struct {
	ID       int
	Nick     string
	Token    string
	RoomID   int
	InGame   bool
	Online   bool
	LastSeen time.Time
	ConnID   int // -1 if currently offline
}

// Connection is one TCP/WebSocket socket's framing state. It exists only
// while the socket is open.
type Connection struct {
	ID        int
	SessionID int // -1 until LOGIN/RESUME succeeds
	Strikes   int
}

// Registry owns every Session and Connection. Like the original's global
// g_clients array, this is deliberately the single owner of identity
// state; callers reach it only through internal/server's single-threaded
// dispatch loop, so no locking is needed here.
type Registry struct {
	sessions   map[int]*Session
	conns      map[int]*Connection
	nextSessID int
	maxClients int
}

// NewRegistry builds an empty registry capped at maxClients concurrent
// connections, mirroring the original's fixed-size g_clients[MAX_CLIENTS].
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		sessions:   make(map[int]*Session),
		conns:      make(map[int]*Connection),
		maxClients: maxClients,
	}
}

// NewConnection registers a freshly accepted socket and returns its id,
// or ok=false if the registry is at capacity (the caller then closes the
// new TCP connection without a reply, per spec).
func (r *Registry) NewConnection(id int) (*Connection, bool) {
	if len(r.conns) >= r.maxClients {
		return nil, false
	}
	c := &Connection{ID: id, SessionID: -1}
	r.conns[id] = c
	return c, true
}

// Conn looks up a connection by id.
func (r *Registry) Conn(id int) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Session looks up a session by id.
func (r *Registry) Session(id int) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// SessionOf returns the Session bound to a connection, if logged in.
func (r *Registry) SessionOf(connID int) (*Session, bool) {
	c, ok := r.conns[connID]
	if !ok || c.SessionID < 0 {
		return nil, false
	}
	s, ok := r.sessions[c.SessionID]
	return s, ok
}

// byNick finds a session by nickname, or nil.
func (r *Registry) byNick(nick string) *Session {
	for _, s := range r.sessions {
		if s.Nick == nick {
			return s
		}
	}
	return nil
}

// newToken generates an unguessable 32-hex-character session token via a
// CSPRNG-backed UUID, matching the round-trip scenario in spec's testable
// properties (session=<32 hex chars>). hex.EncodeToString of a 16-byte
// UUID always yields exactly 32 characters.
func newToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Login assigns nick to connID's connection, creating a fresh Session.
// It returns BAD_FORMAT if nick is empty, INVALID_VALUE if nick is too
// long (>=32 bytes), or NICK_TAKEN if another session already holds it —
// distinguishing already_online (that session has a live connection)
// from use_resume_offline (it does not, so RESUME is the right call).
func (r *Registry) Login(connID int, nick string, now time.Time) (*Session, error) {
	if nick == "" {
		return nil, gameerr.New(gameerr.BadFormat, "missing_nick")
	}
	if len(nick) >= 32 {
		return nil, gameerr.New(gameerr.InvalidValue, "nick_too_long")
	}
	if existing := r.byNick(nick); existing != nil {
		if existing.Online {
			return nil, gameerr.New(gameerr.NickTaken, "already_online")
		}
		return nil, gameerr.New(gameerr.NickTaken, "use_resume_offline")
	}

	conn, ok := r.conns[connID]
	if !ok {
		return nil, gameerr.New(gameerr.BadState, "no_such_connection")
	}

	r.nextSessID++
	s := &Session{
		ID:       r.nextSessID,
		Nick:     nick,
		Token:    newToken(),
		RoomID:   NoRoom,
		Online:   true,
		LastSeen: now,
		ConnID:   connID,
	}
	r.sessions[s.ID] = s
	conn.SessionID = s.ID
	return s, nil
}

// Resume rebinds an existing offline session onto a new connection. It
// fails BAD_SESSION no_such_nick if no session holds nick, BAD_SESSION
// token on a token mismatch, or ALREADY_ONLINE use_login if that session
// is already online on a connection other than connID.
func (r *Registry) Resume(connID int, nick, token string, now time.Time) (*Session, error) {
	s := r.byNick(nick)
	if s == nil {
		return nil, gameerr.New(gameerr.BadSession, "no_such_nick")
	}
	if s.Token != token {
		return nil, gameerr.New(gameerr.BadSession, "token")
	}
	if s.Online && s.ConnID != connID {
		return nil, gameerr.New(gameerr.AlreadyOnline, "use_login")
	}

	conn, ok := r.conns[connID]
	if !ok {
		return nil, gameerr.New(gameerr.BadState, "no_such_connection")
	}

	// No room-side rewriting needed: rooms reference s.ID, which has
	// not changed. We only repoint the two connection/session links.
	s.Online = true
	s.LastSeen = now
	s.ConnID = connID
	conn.SessionID = s.ID
	return s, nil
}

// Disconnect marks a session offline (socket dropped or evicted for
// idleness) and stamps last-seen, the trigger for the 120s reaper
// window. It returns the affected session, or nil if connID was never
// logged in.
func (r *Registry) Disconnect(connID int, now time.Time) *Session {
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	if conn.SessionID < 0 {
		return nil
	}
	s, ok := r.sessions[conn.SessionID]
	if !ok {
		return nil
	}
	s.Online = false
	s.ConnID = -1
	s.LastSeen = now
	return s
}

// Logout fully removes a session (its connection has already said
// goodbye). Returns the removed session, or nil if not logged in.
func (r *Registry) Logout(connID int) *Session {
	conn, ok := r.conns[connID]
	if !ok || conn.SessionID < 0 {
		return nil
	}
	s := r.sessions[conn.SessionID]
	delete(r.sessions, conn.SessionID)
	delete(r.conns, connID)
	return s
}

// Touch marks a session's connection as seen-just-now, used for PING and
// for any inbound traffic that should reset the idle timer.
func (r *Registry) Touch(connID int, now time.Time) {
	s, ok := r.SessionOf(connID)
	if !ok {
		return
	}
	s.Online = true
	s.LastSeen = now
}

// ExpiredOffline returns every session that has been offline for longer
// than OfflineTimeout as of now — candidates for the reaper.
func (r *Registry) ExpiredOffline(now time.Time) []*Session {
	var out []*Session
	for _, s := range r.sessions {
		if !s.Online && now.Sub(s.LastSeen) > OfflineTimeout {
			out = append(out, s)
		}
	}
	return out
}

// Remove deletes a session outright (used once the reaper or a room
// operation has finished processing it).
func (r *Registry) Remove(s *Session) {
	delete(r.sessions, s.ID)
}
