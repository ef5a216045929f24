package room

import (
	"strconv"
	"time"

	"prsi-server/internal/cards"
	"prsi-server/internal/engine"
	"prsi-server/internal/gameerr"
	"prsi-server/internal/protocol"
)

// Manager owns every Room and the monotonically increasing room id
// counter, matching the original's global g_rooms/g_next_room_id.
type Manager struct {
	rooms    map[int]*Room
	nextID   int
	maxRooms int
}

// NewManager builds an empty manager capped at maxRooms concurrent rooms.
func NewManager(maxRooms int) *Manager {
	return &Manager{rooms: make(map[int]*Room), maxRooms: maxRooms, nextID: 0}
}

// Room looks up a room by id.
func (m *Manager) Room(id int) (*Room, bool) {
	r, ok := m.rooms[id]
	return r, ok
}

// All returns every room, for LIST_ROOMS.
func (m *Manager) All() []*Room {
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// RoomOf looks up a room by id, reporting nil, false for a negative id
// (such as a session's "no room" sentinel) or an unknown one.
func (m *Manager) RoomOf(roomID int) (*Room, bool) {
	if roomID < 0 {
		return nil, false
	}
	return m.Room(roomID)
}

// CreateRoom allocates a new room with creator as its sole member and
// host, requiring size in [2,4] and at least one free room slot.
func (m *Manager) CreateRoom(s Sender, name string, size int, creatorSessionID int, creatorNick string) (*Room, error) {
	if name == "" {
		return nil, gameerr.New(gameerr.BadFormat, "missing_name")
	}
	if size < 2 || size > 4 {
		return nil, gameerr.New(gameerr.InvalidValue, "bad_size")
	}
	if len(m.rooms) >= m.maxRooms {
		return nil, gameerr.New(gameerr.LimitReached, "no_free_room")
	}

	m.nextID++
	r := &Room{
		ID:      m.nextID,
		Name:    name,
		Size:    size,
		Phase:   Lobby,
		HostIdx: 0,
		Players: []Player{{SessionID: creatorSessionID, Nick: creatorNick}},
	}
	m.rooms[r.ID] = r

	r.Broadcast(s, protocol.Encode(protocol.EVT, "PLAYER_JOIN", protocol.P("nick", creatorNick)))
	r.Broadcast(s, protocol.Encode(protocol.EVT, "HOST", protocol.P("nick", creatorNick)))
	r.BroadcastState(s)
	return r, nil
}

// JoinRoom adds sessionID to an existing LOBBY-phase, non-full room.
func (m *Manager) JoinRoom(s Sender, roomID, sessionID int, nick string, online func(int) bool) (*Room, error) {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, gameerr.New(gameerr.NoSuchRoom, "rejected")
	}
	if r.Phase != Lobby {
		return nil, gameerr.New(gameerr.BadState, "not_lobby")
	}
	if len(r.Players) >= r.Size {
		return nil, gameerr.New(gameerr.RoomFull, "rejected")
	}

	r.Players = append(r.Players, Player{SessionID: sessionID, Nick: nick})
	r.SendRoster(s, sessionID, online)
	r.SendState(s, sessionID)
	r.BroadcastExcept(s, sessionID, protocol.Encode(protocol.EVT, "PLAYER_JOIN", protocol.P("nick", nick)))
	r.BroadcastState(s)
	return r, nil
}

// destroyIfEmpty removes a room once it has no players left, matching
// room_remove_player's pcount==0 destruction check.
func (m *Manager) destroyIfEmpty(r *Room) {
	if len(r.Players) == 0 {
		delete(m.rooms, r.ID)
	}
}

// migrateHost reassigns HostIdx to 0 and announces HOST if the departing
// index was the host (or if HostIdx has fallen out of range).
func (m *Manager) migrateHost(s Sender, r *Room, departedIdx int) {
	if len(r.Players) == 0 {
		return
	}
	if departedIdx == r.HostIdx || r.HostIdx >= len(r.Players) {
		r.HostIdx = 0
		r.Broadcast(s, protocol.Encode(protocol.EVT, "HOST", protocol.P("nick", r.Players[0].Nick)))
	} else if departedIdx < r.HostIdx {
		r.HostIdx--
	}
}

// removeLobby implements room_remove_player: a plain shift-down removal
// used whenever phase=LOBBY.
func (m *Manager) removeLobby(s Sender, r *Room, idx int) {
	r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
	m.migrateHost(s, r, idx)
	m.destroyIfEmpty(r)
}

// removeInGame implements room_remove_player_in_game: the player and
// their hand are spliced out, turn_pos is adjusted, and the host
// migrates if necessary. It does not decide end-vs-abort; the caller
// does that after seeing the resulting player count.
func (m *Manager) removeInGame(s Sender, r *Room, idx int) {
	g := r.Game
	if g.TurnPos > idx {
		g.TurnPos--
	}
	r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
	g.Hands = append(g.Hands[:idx], g.Hands[idx+1:]...)
	g.PlayerCount = len(r.Players)
	if g.PlayerCount > 0 && g.TurnPos >= g.PlayerCount {
		g.TurnPos = 0
	}
	m.migrateHost(s, r, idx)
}

// LeaveRoom removes sessionID from its room, running in-game compaction
// if a game is active. It sends no RESP itself: on a nil return the
// caller replies RESP LEAVE_ROOM ok=1 (never the original's truncated
// "RESP LEAVE_ROO"), and it returns BAD_STATE not_in_room if sessionID
// holds no seat.
func (m *Manager) LeaveRoom(s Sender, r *Room, sessionID int) error {
	idx := r.posOf(sessionID)
	if idx < 0 {
		return gameerr.New(gameerr.BadState, "not_in_room")
	}
	nick := r.Players[idx].Nick
	r.Broadcast(s, protocol.Encode(protocol.EVT, "PLAYER_LEAVE", protocol.P("nick", nick)))

	if r.Phase == Game {
		m.removeInGame(s, r, idx)
		switch len(r.Players) {
		case 0:
			r.Phase = Lobby
			m.destroyIfEmpty(r)
			return nil
		case 1:
			r.Broadcast(s, protocol.Encode(protocol.EVT, "GAME_END", protocol.P("winner", r.Players[0].Nick)))
			r.Phase = Lobby
			r.Paused = false
			r.Game = nil
			r.BroadcastState(s)
		default:
			if len(r.Players) < 2 {
				r.Broadcast(s, protocol.Encode(protocol.EVT, "GAME_ABORT", protocol.P("reason", "not_enough_players")))
				r.Phase = Lobby
				r.Paused = false
				r.Game = nil
				r.BroadcastState(s)
			} else {
				for i := range r.Players {
					r.SendHand(s, i)
				}
				r.Broadcast(s, protocol.Encode(protocol.EVT, "TURN", protocol.P("nick", r.turnNick())))
				r.BroadcastState(s)
			}
		}
	} else {
		m.removeLobby(s, r, idx)
	}
	return nil
}

// StartGame requires sessionID to be host, phase=LOBBY, and at least two
// players; it seeds the engine, deals, picks the starting top, and moves
// the room into GAME phase.
func (m *Manager) StartGame(s Sender, r *Room, sessionID int, now time.Time) error {
	idx := r.posOf(sessionID)
	if idx < 0 {
		return gameerr.New(gameerr.BadState, "not_in_room")
	}
	if idx != r.HostIdx {
		return gameerr.New(gameerr.NotHost, "rejected")
	}
	if r.Phase != Lobby {
		return gameerr.New(gameerr.BadState, "not_lobby")
	}
	if len(r.Players) < 2 {
		return gameerr.New(gameerr.NotEnoughPlayers, "need_at_least_two")
	}

	seed := now.UnixNano() ^ int64(r.ID)
	g := engine.Init(len(r.Players), seed)
	g.Deal(4)
	g.PickStartTop()
	r.Game = g
	r.Phase = Game

	r.Broadcast(s, protocol.Encode(protocol.EVT, "GAME_START", protocol.P("players", strconv.Itoa(len(r.Players)))))
	for i := range r.Players {
		r.SendHand(s, i)
	}
	r.Broadcast(s, protocol.Encode(protocol.EVT, "TOP",
		protocol.P("card", g.TopCard.String()),
		protocol.P("active_suit", string(g.ActiveSuit)),
		protocol.P("penalty", strconv.Itoa(g.Penalty))))
	r.Broadcast(s, protocol.Encode(protocol.EVT, "TURN", protocol.P("nick", r.turnNick())))
	r.BroadcastState(s)
	return nil
}

// Play applies one card play on behalf of sessionID. card/wish have
// already been parsed by the dispatcher; wish is 0 when absent.
func (m *Manager) Play(s Sender, r *Room, sessionID int, card cards.Card, wish byte) error {
	if r.Paused {
		return gameerr.New(gameerr.Paused, "rejected")
	}
	ppos, err := r.ensureInGame(sessionID)
	if err != nil {
		return err
	}

	out, err := r.Game.Play(ppos, card, wish)
	if err != nil {
		return err
	}

	// RESP precedes the broadcasts that narrate the move, so the acting
	// client's own acknowledgement never arrives after an EVT describing
	// its own play.
	s.SendLine(r.Players[ppos].SessionID, protocol.Encode(protocol.RESP, "PLAY", protocol.P("ok", "1")))

	kvs := []protocol.KV{protocol.P("nick", r.Players[ppos].Nick), protocol.P("card", card.String())}
	if card.Rank() == 'Q' {
		kvs = append(kvs, protocol.P("wish", string(wish)))
	}
	r.Broadcast(s, protocol.Encode(protocol.EVT, "PLAYED", kvs...))
	r.Broadcast(s, protocol.Encode(protocol.EVT, "TOP",
		protocol.P("card", r.Game.TopCard.String()),
		protocol.P("active_suit", string(r.Game.ActiveSuit)),
		protocol.P("penalty", strconv.Itoa(r.Game.Penalty))))
	r.SendHand(s, ppos)

	if out.Ended {
		r.Broadcast(s, protocol.Encode(protocol.EVT, "GAME_END", protocol.P("winner", r.Players[out.WinnerPos].Nick)))
		r.Phase = Lobby
		r.Paused = false
		r.Game = nil
		r.BroadcastState(s)
		return nil
	}

	r.Broadcast(s, protocol.Encode(protocol.EVT, "TURN", protocol.P("nick", r.turnNick())))
	r.BroadcastState(s)
	return nil
}

// Draw applies one draw on behalf of sessionID and returns how many
// cards were actually collected, for RESP DRAW ok=1 count=.
func (m *Manager) Draw(s Sender, r *Room, sessionID int) (int, error) {
	if r.Paused {
		return 0, gameerr.New(gameerr.Paused, "rejected")
	}
	ppos, err := r.ensureInGame(sessionID)
	if err != nil {
		return 0, err
	}

	out, err := r.Game.Draw(ppos)
	if err != nil {
		return 0, err
	}

	s.SendLine(r.Players[ppos].SessionID, protocol.Encode(protocol.RESP, "DRAW",
		protocol.P("ok", "1"), protocol.P("count", strconv.Itoa(len(out.Cards)))))

	r.SendHand(s, ppos)
	r.Broadcast(s, protocol.Encode(protocol.EVT, "TURN", protocol.P("nick", r.turnNick())))
	r.BroadcastState(s)
	return len(out.Cards), nil
}

// ensureInGame validates that the room is mid-game and sessionID holds a
// seat, returning that seat's position. It does not check the paused
// flag; Play and Draw do that before calling it.
func (r *Room) ensureInGame(sessionID int) (int, error) {
	if r.Phase != Game || r.Game == nil {
		return 0, gameerr.New(gameerr.BadState, "no_game")
	}
	idx := r.posOf(sessionID)
	if idx < 0 {
		return 0, gameerr.New(gameerr.BadState, "not_in_room")
	}
	return idx, nil
}

// RemoveOffline removes sessionID from r on behalf of the offline reaper:
// announce PLAYER_LEAVE, abort an active game with reason=player_removed
// (the reaper's policy is a flat abort, unlike leave_room's in-game
// compaction), then splice the player out of the lobby-phase room left
// behind.
func (m *Manager) RemoveOffline(s Sender, r *Room, sessionID int) {
	idx := r.posOf(sessionID)
	if idx < 0 {
		return
	}
	nick := r.Players[idx].Nick
	r.Broadcast(s, protocol.Encode(protocol.EVT, "PLAYER_LEAVE", protocol.P("nick", nick)))
	if r.Phase == Game {
		r.Abort(s, "player_removed")
	}
	m.removeLobby(s, r, idx)
}

// Pause marks a mid-game room paused if it is not already, announcing
// which nick (if any) triggered it. Idempotent: calling it again on an
// already-paused room is a no-op, matching room_pause.
func (r *Room) Pause(s Sender, offlineNick string, now time.Time, timeoutSeconds int) {
	if r.Paused {
		return
	}
	r.Paused = true
	r.PauseStarted = now
	kvs := []protocol.KV{}
	if offlineNick != "" {
		kvs = append(kvs, protocol.P("nick", offlineNick))
	}
	kvs = append(kvs, protocol.P("timeout", strconv.Itoa(timeoutSeconds)))
	r.Broadcast(s, protocol.Encode(protocol.EVT, "GAME_PAUSED", kvs...))
}

// Resume clears a room's paused flag. Idempotent: a no-op if not paused.
func (r *Room) Resume(s Sender) {
	if !r.Paused {
		return
	}
	r.Paused = false
	r.Broadcast(s, protocol.Encode(protocol.EVT, "GAME_RESUMED"))
	r.BroadcastState(s)
}

// Abort ends a mid-game room's game without a winner, returning it to
// LOBBY phase and clearing game state, per room_abort_game.
func (r *Room) Abort(s Sender, reason string) {
	r.Phase = Lobby
	r.Paused = false
	r.Game = nil
	r.Broadcast(s, protocol.Encode(protocol.EVT, "GAME_ABORT", protocol.P("reason", reason)))
	r.BroadcastState(s)
}
