package room

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prsi-server/internal/cards"
	"prsi-server/internal/gameerr"
)

// fakeSender records every line sent to each session id, standing in for
// internal/server's real dispatch-backed Sender during unit tests.
type fakeSender struct {
	lines map[int][]string
}

func newFakeSender() *fakeSender { return &fakeSender{lines: map[int][]string{}} }

func (f *fakeSender) SendLine(sessionID int, line string) {
	f.lines[sessionID] = append(f.lines[sessionID], line)
}

func (f *fakeSender) SendErr(sessionID int, cmd string, code gameerr.Code, msg string) {
	f.SendLine(sessionID, "ERR "+cmd+" code="+string(code)+" msg="+msg)
}

func (f *fakeSender) last(sessionID int) string {
	ls := f.lines[sessionID]
	if len(ls) == 0 {
		return ""
	}
	return ls[len(ls)-1]
}

func onlineAll(int) bool { return true }

func TestCreateAndJoinRoom(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()

	r, err := m.CreateRoom(s, "table", 2, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, Lobby, r.Phase)
	assert.Equal(t, 0, r.HostIdx)

	_, err = m.JoinRoom(s, r.ID, 2, "bob", onlineAll)
	require.NoError(t, err)
	assert.Len(t, r.Players, 2)
	assert.Contains(t, s.last(1), "STATE")
}

func TestCreateRoomValidation(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()

	_, err := m.CreateRoom(s, "", 2, 1, "alice")
	require.Error(t, err)
	assert.Equal(t, gameerr.BadFormat, err.(*gameerr.Error).Code)

	_, err = m.CreateRoom(s, "x", 5, 1, "alice")
	require.Error(t, err)
	assert.Equal(t, gameerr.InvalidValue, err.(*gameerr.Error).Code)
}

func TestCreateRoomLimitReached(t *testing.T) {
	m := NewManager(1)
	s := newFakeSender()
	_, err := m.CreateRoom(s, "a", 2, 1, "alice")
	require.NoError(t, err)
	_, err = m.CreateRoom(s, "b", 2, 2, "bob")
	require.Error(t, err)
	assert.Equal(t, gameerr.LimitReached, err.(*gameerr.Error).Code)
}

func TestJoinRoomFull(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "a", 2, 1, "alice")
	_, err := m.JoinRoom(s, r.ID, 2, "bob", onlineAll)
	require.NoError(t, err)

	_, err = m.JoinRoom(s, r.ID, 3, "carol", onlineAll)
	require.Error(t, err)
	assert.Equal(t, gameerr.RoomFull, err.(*gameerr.Error).Code)
}

// Scenario 4: start game with one player.
func TestScenario4StartGameNeedsTwo(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 2, 1, "alice")

	err := m.StartGame(s, r, 1, time.Now())
	require.Error(t, err)
	ge := err.(*gameerr.Error)
	assert.Equal(t, gameerr.NotEnoughPlayers, ge.Code)
	assert.Equal(t, "need_at_least_two", ge.Msg)
}

func TestStartGameRequiresHost(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 2, 1, "alice")
	m.JoinRoom(s, r.ID, 2, "bob", onlineAll)

	err := m.StartGame(s, r, 2, time.Now())
	require.Error(t, err)
	assert.Equal(t, gameerr.NotHost, err.(*gameerr.Error).Code)
}

func TestStartGameDealsHandsAndBroadcasts(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 2, 1, "alice")
	m.JoinRoom(s, r.ID, 2, "bob", onlineAll)

	require.NoError(t, m.StartGame(s, r, 1, time.Now()))
	assert.Equal(t, Game, r.Phase)
	require.NotNil(t, r.Game)
	assert.Len(t, r.Game.Hands[0], 4)
	assert.Len(t, r.Game.Hands[1], 4)
	assert.Contains(t, strings.Join(s.lines[1], "\n"), "TOP")
}

func TestLeaveRoomInLobbyMigratesHost(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 3, 1, "alice")
	m.JoinRoom(s, r.ID, 2, "bob", onlineAll)

	require.NoError(t, m.LeaveRoom(s, r, 1))
	require.Len(t, r.Players, 1)
	assert.Equal(t, "bob", r.Players[r.HostIdx].Nick)
}

func TestLeaveRoomDestroysWhenEmpty(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 2, 1, "alice")

	require.NoError(t, m.LeaveRoom(s, r, 1))
	_, ok := m.Room(r.ID)
	assert.False(t, ok)
}

func TestLeaveRoomInGameCompactsAndAdjustsTurn(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 3, 1, "alice")
	m.JoinRoom(s, r.ID, 2, "bob", onlineAll)
	m.JoinRoom(s, r.ID, 3, "carol", onlineAll)
	require.NoError(t, m.StartGame(s, r, 1, time.Now()))
	r.Game.TurnPos = 2 // carol's turn

	// bob (idx 1) leaves; carol was at idx 2 > 1, so turn_pos should
	// decrement to 1 after the splice (carol is now at idx 1).
	require.NoError(t, m.LeaveRoom(s, r, 2))
	require.Len(t, r.Players, 2)
	assert.Equal(t, "carol", r.Players[1].Nick)
	assert.Equal(t, 1, r.Game.TurnPos)
}

func TestLeaveRoomDownToOneEndsGame(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 2, 1, "alice")
	m.JoinRoom(s, r.ID, 2, "bob", onlineAll)
	require.NoError(t, m.StartGame(s, r, 1, time.Now()))

	require.NoError(t, m.LeaveRoom(s, r, 2))
	assert.Equal(t, Lobby, r.Phase)
	assert.Nil(t, r.Game)
	found := false
	for _, line := range s.lines[1] {
		if strings.Contains(line, "GAME_END") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPlayAndDrawAgainstRoom(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 2, 1, "alice")
	m.JoinRoom(s, r.ID, 2, "bob", onlineAll)
	require.NoError(t, m.StartGame(s, r, 1, time.Now()))

	r.Game.TurnPos = 0
	r.Game.TopCard = card(t, 'S', 'K')
	r.Game.ActiveSuit = 'S'
	playable := card(t, 'S', '9')
	r.Game.Hands[0] = []cards.Card{playable, card(t, 'H', '8')}

	require.NoError(t, m.Play(s, r, 1, playable, 0))
	assert.Equal(t, playable, r.Game.TopCard)

	r.Game.TurnPos = 1
	r.Game.Penalty = 0
	r.Game.Hands[1] = nil
	r.Game.Deck = []cards.Card{card(t, 'D', '9')}
	n, err := m.Draw(s, r, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPlayRejectsWhenPaused(t *testing.T) {
	m := NewManager(8)
	s := newFakeSender()
	r, _ := m.CreateRoom(s, "r", 2, 1, "alice")
	m.JoinRoom(s, r.ID, 2, "bob", onlineAll)
	require.NoError(t, m.StartGame(s, r, 1, time.Now()))
	r.Paused = true

	err := m.Play(s, r, 1, card(t, 'S', '9'), 0)
	require.Error(t, err)
	assert.Equal(t, gameerr.Paused, err.(*gameerr.Error).Code)
}

func TestPauseIdempotent(t *testing.T) {
	s := newFakeSender()
	r := &Room{Players: []Player{{SessionID: 1, Nick: "a"}}}
	r.Pause(s, "a", time.Now(), 120)
	n := len(s.lines[1])
	r.Pause(s, "a", time.Now(), 120)
	assert.Equal(t, n, len(s.lines[1]))
}

func TestResumeIdempotentWhenNotPaused(t *testing.T) {
	s := newFakeSender()
	r := &Room{Players: []Player{{SessionID: 1, Nick: "a"}}}
	r.Resume(s)
	assert.Empty(t, s.lines[1])
}

func card(t *testing.T, suit, rank byte) cards.Card {
	t.Helper()
	for c := 0; c < 32; c++ {
		cc := cards.Card(c)
		if cc.Suit() == suit && cc.Rank() == rank {
			return cc
		}
	}
	t.Fatalf("no such card %c%c", suit, rank)
	return 0
}

