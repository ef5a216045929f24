// Package room implements room membership, phase, pause/resume/abort,
// host migration, in-game compaction, and the broadcast primitives used
// to narrate a game to its players.
//
// Grounded on original_source/server_src/lobby.c's room-side functions in
// full (room_broadcast*, room_send_state, room_send_roster, room_pause/
// room_resume/room_abort_game, room_remove_player,
// room_remove_player_in_game, and the lobby_handle_* room operations).
// The single-owner mutation model is grounded on the teacher's
// queue.go/queueManager: room state is only ever touched from the one
// goroutine that owns the Manager, reached through internal/server.
package room

import (
	"strconv"
	"time"

	"prsi-server/internal/cards"
	"prsi-server/internal/engine"
	"prsi-server/internal/gameerr"
	"prsi-server/internal/protocol"
)

// Phase is the coarse room state.
type Phase string

const (
	Lobby Phase = "LOBBY"
	Game  Phase = "GAME"
)

// Sender is the narrow capability the room manager needs to talk back to
// clients — "send a line to session id X" — replacing the original's raw
// C function pointers (SendLineFn/SendErrFn) with a Go interface, per
// spec-level design guidance to model callbacks as a capability rather
// than a bare function value.
type Sender interface {
	SendLine(sessionID int, line string)
	SendErr(sessionID int, cmd string, code gameerr.Code, msg string)
}

// Player is one seat in a room's player list, referencing a session by
// its stable id (never a connection id — see internal/session's design
// note on why rooms never need to rewrite this on resume).
type Player struct {
	SessionID int
	Nick      string
}

// Room is one room's full state: membership, phase, pause bookkeeping,
// and (while phase=Game) the embedded engine state.
type Room struct {
	ID           int
	Name         string
	Size         int
	Phase        Phase
	Paused       bool
	PauseStarted time.Time
	HostIdx      int // index into Players, not a session id
	Players      []Player

	Game *engine.Game
}

func (r *Room) PlayerCount() int { return len(r.Players) }

// posOf returns the index of sessionID in Players, or -1.
func (r *Room) posOf(sessionID int) int {
	for i, p := range r.Players {
		if p.SessionID == sessionID {
			return i
		}
	}
	return -1
}

// IsMember reports whether sessionID currently holds a seat.
func (r *Room) IsMember(sessionID int) bool {
	return r.posOf(sessionID) >= 0
}

// Pos returns sessionID's seat index, or -1 if it does not hold one.
func (r *Room) Pos(sessionID int) int {
	return r.posOf(sessionID)
}

// turnNick returns the nickname of the player whose turn it is, or "-" if
// no game is running.
func (r *Room) turnNick() string {
	if r.Game == nil || !r.Game.Running {
		return "-"
	}
	if r.Game.TurnPos < 0 || r.Game.TurnPos >= len(r.Players) {
		return "-"
	}
	return r.Players[r.Game.TurnPos].Nick
}

// SendState emits EVT STATE to a single session.
func (r *Room) SendState(s Sender, to int) {
	s.SendLine(to, r.stateLine())
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *Room) stateLine() string {
	top, suit, penalty := "-", "-", "0"
	if r.Game != nil {
		top = r.Game.TopCard.String()
		if r.Game.ActiveSuit != 0 {
			suit = string(r.Game.ActiveSuit)
		}
		penalty = strconv.Itoa(r.Game.Penalty)
	}
	return protocol.Encode(protocol.EVT, "STATE",
		protocol.P("room", strconv.Itoa(r.ID)),
		protocol.P("phase", string(r.Phase)),
		protocol.P("paused", boolFlag(r.Paused)),
		protocol.P("top", top),
		protocol.P("active_suit", suit),
		protocol.P("penalty", penalty),
		protocol.P("turn", r.turnNick()),
	)
}

// BroadcastState sends STATE to every online member.
func (r *Room) BroadcastState(s Sender) {
	r.Broadcast(s, r.stateLine())
}

// Broadcast sends a pre-encoded line to every member.
func (r *Room) Broadcast(s Sender, line string) {
	for _, p := range r.Players {
		s.SendLine(p.SessionID, line)
	}
}

// BroadcastExcept sends a pre-encoded line to every member but except.
func (r *Room) BroadcastExcept(s Sender, except int, line string) {
	for _, p := range r.Players {
		if p.SessionID == except {
			continue
		}
		s.SendLine(p.SessionID, line)
	}
}

// SendRoster sends HOST followed by, per member, PLAYER_JOIN and then
// PLAYER_ONLINE or PLAYER_OFFLINE — used when a client first sees a
// room's membership (on join and on resume).
func (r *Room) SendRoster(s Sender, to int, online func(sessionID int) bool) {
	if len(r.Players) > 0 {
		s.SendLine(to, protocol.Encode(protocol.EVT, "HOST", protocol.P("nick", r.Players[r.HostIdx].Nick)))
	}
	for _, p := range r.Players {
		s.SendLine(to, protocol.Encode(protocol.EVT, "PLAYER_JOIN", protocol.P("nick", p.Nick)))
		if online(p.SessionID) {
			s.SendLine(to, protocol.Encode(protocol.EVT, "PLAYER_ONLINE", protocol.P("nick", p.Nick)))
		} else {
			s.SendLine(to, protocol.Encode(protocol.EVT, "PLAYER_OFFLINE", protocol.P("nick", p.Nick)))
		}
	}
}

// SendHand sends a player's own hand privately.
func (r *Room) SendHand(s Sender, ppos int) {
	if r.Game == nil || ppos < 0 || ppos >= len(r.Players) {
		return
	}
	s.SendLine(r.Players[ppos].SessionID, protocol.Encode(protocol.EVT, "HAND",
		protocol.P("cards", cards.Join(r.Game.Hands[ppos]))))
}
