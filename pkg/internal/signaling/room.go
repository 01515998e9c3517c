package signaling

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/metrics"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/samber/lo"
)

// room is the in-memory state of one call. Every field is guarded by mu.
type room struct {
	mu sync.Mutex

	name    string
	call    models.Call
	members map[uint]models.CallParticipant
	conns   map[uint]*Connection
	loaded  bool
	closed  bool
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		members: make(map[uint]models.CallParticipant),
		conns:   make(map[uint]*Connection),
	}
}

func (rm *room) load(call models.Call, participants []models.CallParticipant) {
	rm.call = call
	for _, item := range participants {
		rm.members[item.AccountID] = item
	}
	rm.loaded = true
}

// attach registers conn for its user. A user holds at most one connection per room.
func (rm *room) attach(conn *Connection) error {
	if prev, ok := rm.conns[conn.User]; ok && prev != conn {
		return ErrAlreadyConnected
	}
	if _, ok := rm.conns[conn.User]; !ok {
		metrics.SignalConnections.Inc()
	}
	rm.conns[conn.User] = conn
	return nil
}

// detach unregisters conn, reporting false when it is no longer the registered one.
func (rm *room) detach(conn *Connection) bool {
	if current, ok := rm.conns[conn.User]; !ok || current != conn {
		return false
	}
	delete(rm.conns, conn.User)
	metrics.SignalConnections.Dec()
	return true
}

func (rm *room) statusOf(user uint) (models.ParticipantStatus, bool) {
	member, ok := rm.members[user]
	return member.Status, ok
}

func (rm *room) allTerminal() bool {
	if len(rm.members) == 0 {
		return false
	}
	for _, member := range rm.members {
		if !member.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// awaitingInvitees reports whether someone is still INVITED and within the grace period to join.
func (rm *room) awaitingInvitees(grace time.Duration, now time.Time) bool {
	for _, member := range rm.members {
		if member.Status != models.ParticipantStatusInvited {
			continue
		}
		if now.Sub(member.InvitedAt) < grace {
			return true
		}
	}
	return false
}

// peers lists everyone but the excluded user, ordered by account id.
func (rm *room) peers(except uint) []models.PeerInfo {
	out := lo.FilterMap(lo.Values(rm.members), func(item models.CallParticipant, _ int) (models.PeerInfo, bool) {
		_, connected := rm.conns[item.AccountID]
		return models.PeerInfo{
			AccountID: item.AccountID,
			Status:    item.Status,
			Connected: connected,
		}, item.AccountID != except
	})
	slices.SortFunc(out, func(a, b models.PeerInfo) int {
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	return out
}
