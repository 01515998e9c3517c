package signaling

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = uint(1)
	bob   = uint(2)
	carol = uint(3)
)

func newTestHub(store CallStore) *Hub {
	opts := DefaultOptions()
	opts.InviteGrace = time.Hour
	return NewHub(store, opts)
}

func findMessage(msgs []models.SignalMessage, match func(models.SignalMessage) bool) (models.SignalMessage, bool) {
	return lo.Find(msgs, match)
}

func isPresence(user uint, status models.ParticipantStatus) func(models.SignalMessage) bool {
	return func(msg models.SignalMessage) bool {
		return msg.Type == models.SignalPresence && msg.From == user && msg.Status == status
	}
}

func TestConnectJoinsAndBroadcastsPresence(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", alice))
	drain(a)

	b, err := hub.Connect("room", bob)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", bob))

	_, ok := findMessage(drain(a), isPresence(bob, models.ParticipantStatusJoined))
	assert.True(t, ok, "alice should see bob joining")

	msgs := drain(b)
	_, ok = findMessage(msgs, isPresence(bob, models.ParticipantStatusJoined))
	assert.True(t, ok, "bob should get his own presence")
	peers, ok := findMessage(msgs, func(msg models.SignalMessage) bool { return msg.Type == models.SignalPeers })
	require.True(t, ok)
	assert.Equal(t, []models.PeerInfo{{AccountID: alice, Status: models.ParticipantStatusJoined, Connected: true}}, peers.Peers)

	assert.Same(t, b, hub.Registry().Lookup("room", bob))
	assert.Len(t, hub.Registry().AllInRoom("room"), 2)
}

func TestConnectReplacesPreviousConnection(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	first, err := hub.Connect("room", bob)
	require.NoError(t, err)
	second, err := hub.Connect("room", bob)
	require.NoError(t, err)

	assert.True(t, first.IsClosed())
	code, _ := first.CloseStatus()
	assert.Equal(t, CloseGoingAway, code)
	assert.False(t, second.IsClosed())
	assert.Same(t, second, hub.Registry().Lookup("room", bob))
	assert.Len(t, hub.Registry().AllInRoom("room"), 1)

	// The replaced connection's reader exiting must not mark the user LEFT.
	hub.Disconnect(first)
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", bob))
	assert.Same(t, second, hub.Registry().Lookup("room", bob))
}

func TestConnectRefusesOutsiders(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	_, err := hub.Connect("room", carol)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrNotInvited)
	assert.Equal(t, 0, hub.Registry().Rooms())

	_, err = hub.Connect("missing", alice)
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Registry().Rooms())
}

func TestConnectPicksUpLateInvitations(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	_, err := hub.Connect("room", alice)
	require.NoError(t, err)

	store.invite("room", carol)
	_, err = hub.Connect("room", carol)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", carol))
}

func TestTerminalParticipantsCannotRejoin(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	_, err := hub.Connect("room", alice)
	require.NoError(t, err)
	b, err := hub.Connect("room", bob)
	require.NoError(t, err)

	hub.Leave(b)
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", bob))

	_, err = hub.Connect("room", bob)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", bob))
}

func TestInvalidTransitionsAreNoOps(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)

	// JOINED -> DECLINED is not an edge.
	err = hub.Dispatch(a, models.SignalMessage{Type: models.SignalDecline})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", alice))
	assert.False(t, a.IsClosed())

	// INVITED -> DECLINED is, even with the room in memory.
	require.NoError(t, hub.Decline("room", bob))
	assert.Equal(t, models.ParticipantStatusDeclined, store.status("room", bob))

	// DECLINED is terminal.
	assert.ErrorIs(t, hub.Decline("room", bob), ErrInvalidTransition)
	assert.Equal(t, models.ParticipantStatusDeclined, store.status("room", bob))
}

func TestStoredTerminalStatusWins(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	_, err := hub.Connect("room", alice)
	require.NoError(t, err)

	// Bob declined through another path after the room was loaded.
	_, err = store.RecordTransition(store.call("room"), bob, models.ParticipantStatusDeclined, time.Now())
	require.NoError(t, err)

	_, err = hub.Connect("room", bob)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.ParticipantStatusDeclined, store.status("room", bob))
	assert.Nil(t, hub.Registry().Lookup("room", bob))
}

func TestFailedPersistenceLeavesStateUntouched(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	store.failRecord = errors.New("database is down")
	_, err := hub.Connect("room", alice)
	assert.Error(t, err)
	assert.Nil(t, hub.Registry().Lookup("room", alice))
	assert.Equal(t, models.ParticipantStatusInvited, store.status("room", alice))
}

func TestRelayDeliversInOrder(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)
	b, err := hub.Connect("room", bob)
	require.NoError(t, err)
	drain(b)

	for idx := 0; idx < 5; idx++ {
		msg := models.SignalMessage{
			Type:    models.SignalIceCandidate,
			To:      lo.ToPtr(bob),
			From:    99,
			Payload: []byte{'[', byte('0' + idx), ']'},
		}
		require.NoError(t, hub.Dispatch(a, msg))
	}

	msgs := drain(b)
	require.Len(t, msgs, 5)
	for idx, msg := range msgs {
		assert.Equal(t, alice, msg.From, "sender is rewritten by the relay")
		assert.Equal(t, "room", msg.Room)
		assert.Equal(t, string([]byte{'[', byte('0' + idx), ']'}), string(msg.Payload))
	}
}

func TestRelayToAbsentTarget(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)
	drain(a)

	err = hub.Dispatch(a, offerTo(bob))
	assert.ErrorIs(t, err, ErrUnknownTarget)

	failed, ok := findMessage(drain(a), func(msg models.SignalMessage) bool {
		return msg.Type == models.SignalDeliveryFailed
	})
	require.True(t, ok)
	assert.Equal(t, models.SignalOffer, failed.Ref)
	assert.Equal(t, bob, *failed.To)
	assert.Nil(t, hub.Registry().Lookup("room", bob))
}

func TestRelayNeverCreatesRoomState(t *testing.T) {
	hub := newTestHub(newMemoryStore())

	ghost := NewConnection("nowhere", alice, 4)
	assert.ErrorIs(t, hub.Relay(ghost, offerTo(bob)), ErrUnknownTarget)
	assert.Equal(t, 0, hub.Registry().Rooms())
}

func TestRelayStaysInsideRoom(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room-a", alice, bob)
	store.addCall("room-b", carol, bob)
	hub := newTestHub(store)

	a, err := hub.Connect("room-a", alice)
	require.NoError(t, err)
	c, err := hub.Connect("room-b", carol)
	require.NoError(t, err)
	drain(c)

	assert.ErrorIs(t, hub.Relay(a, offerTo(carol)), ErrUnknownTarget)
	assert.Empty(t, drain(c))
}

func TestRelayFullTargetQueue(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	opts := DefaultOptions()
	opts.QueueSize = 2
	opts.InviteGrace = time.Hour
	hub := NewHub(store, opts)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)
	_, err = hub.Connect("room", bob)
	require.NoError(t, err)

	// Bob's queue already holds his presence and peers frames.
	err = hub.Relay(a, offerTo(bob))
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestScreenShareBroadcastSkipsSender(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob, carol)
	hub := newTestHub(store)

	a, _ := hub.Connect("room", alice)
	b, _ := hub.Connect("room", bob)
	c, _ := hub.Connect("room", carol)
	drain(a)
	drain(b)
	drain(c)

	require.NoError(t, hub.Dispatch(a, models.SignalMessage{Type: models.SignalScreenStart}))

	assert.Empty(t, drain(a))
	for _, conn := range []*Connection{b, c} {
		msgs := drain(conn)
		require.Len(t, msgs, 1)
		assert.Equal(t, models.SignalScreenStart, msgs[0].Type)
		assert.Equal(t, alice, msgs[0].From)
	}
}

func TestDisconnectRecordsLeftAndTearsDown(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)
	b, err := hub.Connect("room", bob)
	require.NoError(t, err)
	drain(a)

	hub.Disconnect(b)
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", bob))
	_, ok := findMessage(drain(a), isPresence(bob, models.ParticipantStatusLeft))
	assert.True(t, ok)
	assert.Nil(t, store.call("room").EndedAt)

	// Idempotent.
	hub.Disconnect(b)
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", bob))

	hub.Disconnect(a)
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", alice))
	assert.NotNil(t, store.call("room").EndedAt)
	assert.Equal(t, 0, hub.Registry().Rooms())
}

func TestEmptyRoomWaitsForInvitees(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)
	hub.Leave(a)

	assert.Equal(t, 1, hub.Registry().Rooms(), "bob may still join")
	assert.Nil(t, store.call("room").EndedAt)

	_, err = hub.Connect("room", bob)
	require.NoError(t, err)
}

func TestEmptyRoomTearsDownAfterGrace(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	opts := DefaultOptions()
	opts.InviteGrace = 0
	hub := NewHub(store, opts)

	a, err := hub.Connect("room", alice)
	require.NoError(t, err)
	hub.Leave(a)

	assert.Equal(t, 0, hub.Registry().Rooms())
	assert.NotNil(t, store.call("room").EndedAt)
	assert.Equal(t, models.ParticipantStatusInvited, store.status("room", bob))
}

// slowStore delays the first participant listing so a concurrent caller can run into it.
type slowStore struct {
	*memoryStore
	once  sync.Once
	delay time.Duration
}

func (s *slowStore) ListCallParticipants(call models.Call) ([]models.CallParticipant, error) {
	s.once.Do(func() { time.Sleep(s.delay) })
	return s.memoryStore.ListCallParticipants(call)
}

func TestDeclineRacingConnect(t *testing.T) {
	for round := 0; round < 10; round++ {
		name := fmt.Sprintf("room-%d", round)
		store := &slowStore{memoryStore: newMemoryStore(), delay: 20 * time.Millisecond}
		store.addCall(name, alice, bob)
		hub := newTestHub(store)

		var wg sync.WaitGroup
		var conn *Connection
		var connectErr, declineErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			declineErr = hub.Decline(name, bob)
		}()
		go func() {
			defer wg.Done()
			conn, connectErr = hub.Connect(name, bob)
		}()
		wg.Wait()

		switch store.status(name, bob) {
		case models.ParticipantStatusJoined:
			require.NoError(t, connectErr)
			assert.ErrorIs(t, declineErr, ErrInvalidTransition)
			assert.Same(t, conn, hub.Registry().Lookup(name, bob))
			assert.False(t, conn.IsClosed())
		case models.ParticipantStatusDeclined:
			require.NoError(t, declineErr)
			assert.ErrorIs(t, connectErr, ErrInvalidTransition)
			assert.Nil(t, hub.Registry().Lookup(name, bob))
		default:
			t.Fatalf("unexpected status %s", store.status(name, bob))
		}
	}
}

func TestBroadcast(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob, carol)
	hub := newTestHub(store)

	a, _ := hub.Connect("room", alice)
	b, _ := hub.Connect("room", bob)
	drain(a)
	drain(b)

	notice := models.SignalMessage{Type: models.SignalRoomClosed, Reason: "maintenance"}
	assert.Equal(t, 1, hub.Broadcast("room", notice, alice))
	assert.Empty(t, drain(a))
	msgs := drain(b)
	require.Len(t, msgs, 1)
	assert.Equal(t, "room", msgs[0].Room)
	assert.Equal(t, "maintenance", msgs[0].Reason)

	assert.Equal(t, 2, hub.Broadcast("room", notice, 0))
	assert.Equal(t, 0, hub.Broadcast("elsewhere", notice, 0))
	assert.Equal(t, 1, hub.Registry().Rooms(), "broadcasting never creates rooms")
}

func TestDeclineWithoutRoomState(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	require.NoError(t, hub.Decline("room", bob))
	assert.Equal(t, models.ParticipantStatusDeclined, store.status("room", bob))
	assert.Equal(t, 0, hub.Registry().Rooms())
	assert.Nil(t, store.call("room").EndedAt)

	assert.ErrorIs(t, hub.Decline("room", carol), ErrNotInvited)

	require.NoError(t, hub.Decline("room", alice))
	assert.NotNil(t, store.call("room").EndedAt, "everyone declined")
}

func TestCloseRoom(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob, carol)
	hub := newTestHub(store)

	a, _ := hub.Connect("room", alice)
	b, _ := hub.Connect("room", bob)
	drain(a)
	drain(b)

	assert.Equal(t, 2, hub.CloseRoom("room", "ended by organizer"))

	for _, conn := range []*Connection{a, b} {
		assert.True(t, conn.IsClosed())
		msgs := drain(conn)
		require.NotEmpty(t, msgs)
		last := msgs[len(msgs)-1]
		assert.Equal(t, models.SignalRoomClosed, last.Type)
		assert.Equal(t, "ended by organizer", last.Reason)
	}

	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", alice))
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", bob))
	assert.Equal(t, models.ParticipantStatusInvited, store.status("room", carol))
	assert.NotNil(t, store.call("room").EndedAt)
	assert.Empty(t, hub.Registry().AllInRoom("room"))
	assert.Equal(t, 0, hub.CloseRoom("room", "again"))

	_, err := hub.Connect("room", carol)
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestKick(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	_, _ = hub.Connect("room", alice)
	b, _ := hub.Connect("room", bob)

	require.NoError(t, hub.Kick("room", bob))
	assert.True(t, b.IsClosed())
	code, _ := b.CloseStatus()
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", bob))

	assert.ErrorIs(t, hub.Kick("room", bob), ErrUnknownTarget)
}

func TestExpireIdle(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, _ := hub.Connect("room", alice)
	b, _ := hub.Connect("room", bob)

	time.Sleep(20 * time.Millisecond)
	a.Touch()

	assert.Equal(t, 1, hub.ExpireIdle(10*time.Millisecond))
	assert.True(t, b.IsClosed())
	assert.False(t, a.IsClosed())
	assert.Equal(t, models.ParticipantStatusLeft, store.status("room", bob))
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", alice))
}

func TestShutdownKeepsStoredState(t *testing.T) {
	store := newMemoryStore()
	store.addCall("room", alice, bob)
	hub := newTestHub(store)

	a, _ := hub.Connect("room", alice)
	hub.Shutdown()

	assert.True(t, a.IsClosed())
	code, _ := a.CloseStatus()
	assert.Equal(t, CloseServiceRestart, code)
	assert.Equal(t, 0, hub.Registry().Rooms())
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", alice))
	assert.Nil(t, store.call("room").EndedAt)

	// Reader exits after shutdown are no-ops.
	hub.Disconnect(a)
	assert.Equal(t, models.ParticipantStatusJoined, store.status("room", alice))
}
