package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prsi-server/internal/gameerr"
)

func TestLoginAssignsTokenOfRightLength(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	now := time.Now()

	s, err := r.Login(1, "alice", now)
	require.NoError(t, err)
	assert.Len(t, s.Token, 32)
	assert.True(t, s.Online)
	assert.Equal(t, NoRoom, s.RoomID)
}

func TestLoginRejectsEmptyNick(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	_, err := r.Login(1, "", time.Now())
	require.Error(t, err)
	assert.Equal(t, gameerr.BadFormat, err.(*gameerr.Error).Code)
}

func TestLoginRejectsLongNick(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	long := make([]byte, 32)
	for i := range long {
		long[i] = 'a'
	}
	_, err := r.Login(1, string(long), time.Now())
	require.Error(t, err)
	assert.Equal(t, gameerr.InvalidValue, err.(*gameerr.Error).Code)
}

func TestLoginCollisionAlreadyOnline(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	r.NewConnection(2)
	_, err := r.Login(1, "alice", time.Now())
	require.NoError(t, err)

	_, err = r.Login(2, "alice", time.Now())
	require.Error(t, err)
	ge := err.(*gameerr.Error)
	assert.Equal(t, gameerr.NickTaken, ge.Code)
	assert.Equal(t, "already_online", ge.Msg)
}

func TestLoginCollisionOfflineSuggestsResume(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	r.NewConnection(2)
	now := time.Now()
	_, err := r.Login(1, "alice", now)
	require.NoError(t, err)
	r.Disconnect(1, now)

	_, err = r.Login(2, "alice", now)
	require.Error(t, err)
	ge := err.(*gameerr.Error)
	assert.Equal(t, gameerr.NickTaken, ge.Code)
	assert.Equal(t, "use_resume_offline", ge.Msg)
}

func TestResumeRebindsWithoutChangingSessionID(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	now := time.Now()
	s, err := r.Login(1, "alice", now)
	require.NoError(t, err)
	id := s.ID
	token := s.Token
	r.Disconnect(1, now)

	r.NewConnection(2)
	resumed, err := r.Resume(2, "alice", token, now)
	require.NoError(t, err)
	assert.Equal(t, id, resumed.ID)
	assert.True(t, resumed.Online)
	assert.Equal(t, 2, resumed.ConnID)

	got, ok := r.SessionOf(2)
	require.True(t, ok)
	assert.Equal(t, id, got.ID)
}

func TestResumeRejectsBadToken(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	now := time.Now()
	s, err := r.Login(1, "alice", now)
	require.NoError(t, err)
	r.Disconnect(1, now)

	r.NewConnection(2)
	_, err = r.Resume(2, "alice", s.Token+"x", now)
	require.Error(t, err)
	assert.Equal(t, gameerr.BadSession, err.(*gameerr.Error).Code)
}

func TestResumeRejectsUnknownNick(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	_, err := r.Resume(1, "nobody", "x", time.Now())
	require.Error(t, err)
	ge := err.(*gameerr.Error)
	assert.Equal(t, gameerr.BadSession, ge.Code)
	assert.Equal(t, "no_such_nick", ge.Msg)
}

func TestResumeRejectsAlreadyOnline(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	r.NewConnection(2)
	now := time.Now()
	s, err := r.Login(1, "alice", now)
	require.NoError(t, err)

	_, err = r.Resume(2, "alice", s.Token, now)
	require.Error(t, err)
	assert.Equal(t, gameerr.AlreadyOnline, err.(*gameerr.Error).Code)
}

func TestExpiredOffline(t *testing.T) {
	r := NewRegistry(8)
	r.NewConnection(1)
	past := time.Now().Add(-200 * time.Second)
	_, err := r.Login(1, "alice", past)
	require.NoError(t, err)
	r.Disconnect(1, past)

	expired := r.ExpiredOffline(time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "alice", expired[0].Nick)
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(1)
	_, ok := r.NewConnection(1)
	require.True(t, ok)
	_, ok = r.NewConnection(2)
	assert.False(t, ok)
}
