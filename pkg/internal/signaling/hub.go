package signaling

import (
	"errors"
	"fmt"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/metrics"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// CallStore is the durable side of calls and participants.
type CallStore interface {
	GetCallWithRoom(room string) (models.Call, error)
	ListCallParticipants(call models.Call) ([]models.CallParticipant, error)
	RecordTransition(call models.Call, user uint, status models.ParticipantStatus, at time.Time) (models.CallParticipant, error)
	EndCall(call models.Call) (models.Call, error)
}

// Hub owns the connection registry and drives the per-room state machine.
// Every mutation of a room happens with that room's lock held.
type Hub struct {
	store    CallStore
	registry *Registry
	opts     Options
}

func NewHub(store CallStore, opts Options) *Hub {
	return &Hub{
		store:    store,
		registry: NewRegistry(),
		opts:     opts,
	}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Options() Options {
	return h.opts
}

// open returns the room with its lock held, loading it from the store on first use.
func (h *Hub) open(name string) (*room, error) {
	for {
		rm := h.registry.acquire(name)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		if !rm.loaded {
			if err := h.reload(rm); err != nil {
				rm.closed = true
				h.registry.remove(name, rm)
				rm.mu.Unlock()
				return nil, err
			}
		}
		return rm, nil
	}
}

func (h *Hub) reload(rm *room) error {
	call, err := h.store.GetCallWithRoom(rm.name)
	if err != nil {
		return err
	}
	participants, err := h.store.ListCallParticipants(call)
	if err != nil {
		return err
	}
	rm.load(call, participants)
	return nil
}

// Connect registers a new connection for user and moves an invited user to JOINED.
// An older connection of the same user is closed before the new one is accepted.
func (h *Hub) Connect(name string, user uint) (*Connection, error) {
	rm, err := h.open(name)
	if err != nil {
		return nil, err
	}
	defer rm.mu.Unlock()

	conn, err := h.register(rm, user)
	if err != nil && len(rm.conns) == 0 {
		// A refused handshake leaves no state behind, the store still has everything.
		rm.closed = true
		h.registry.remove(rm.name, rm)
	}
	return conn, err
}

// register must be called with rm.mu held.
func (h *Hub) register(rm *room, user uint) (*Connection, error) {
	name := rm.name
	if rm.call.IsEnded() {
		return nil, ErrRoomClosed
	}

	status, ok := rm.statusOf(user)
	if !ok {
		// Invitations made after the room was loaded.
		if err := h.reload(rm); err != nil {
			return nil, err
		}
		if status, ok = rm.statusOf(user); !ok {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrNotInvited)
		}
	}
	if status.IsTerminal() {
		log.Debug().Str("module", "signal").Str("room", name).Uint("user", user).
			Str("status", string(status)).Msg("Refused connection of a participant in terminal status")
		return nil, ErrInvalidTransition
	}

	if status == models.ParticipantStatusInvited {
		if err := h.transition(rm, user, models.ParticipantStatusJoined); err != nil {
			return nil, err
		}
	}

	conn := NewConnection(name, user, h.opts.QueueSize)
	if err := rm.attach(conn); errors.Is(err, ErrAlreadyConnected) {
		prev := rm.conns[user]
		rm.detach(prev)
		prev.CloseWith(CloseGoingAway, "replaced by a newer connection")
		log.Info().Str("module", "signal").Str("room", name).Uint("user", user).
			Msg("Replaced an existing connection of the same user")
		_ = rm.attach(conn)
	}

	_ = conn.Enqueue(models.SignalMessage{
		Type:   models.SignalPresence,
		Room:   name,
		From:   user,
		Status: rm.members[user].Status,
	})
	_ = conn.Enqueue(models.SignalMessage{
		Type:  models.SignalPeers,
		Room:  name,
		Peers: rm.peers(user),
	})

	log.Info().Str("module", "signal").Str("room", name).Uint("user", user).
		Str("connection", conn.ID).Msg("Signaling connection registered")

	return conn, nil
}

// Disconnect unregisters conn after its socket went away and records LEFT.
// Repeated calls and calls for an already replaced connection do nothing.
func (h *Hub) Disconnect(conn *Connection) {
	h.release(conn, CloseNormal, "disconnected")
}

// Leave handles an explicit leave of a connected participant.
func (h *Hub) Leave(conn *Connection) {
	h.release(conn, CloseNormal, "left")
}

// Kick force-closes the live connection of user and records LEFT.
func (h *Hub) Kick(name string, user uint) error {
	conn := h.registry.Lookup(name, user)
	if conn == nil {
		return ErrUnknownTarget
	}
	if !h.release(conn, ClosePolicyViolation, "kicked") {
		return ErrUnknownTarget
	}
	return nil
}

func (h *Hub) release(conn *Connection, code int, reason string) bool {
	defer conn.CloseWith(code, reason)

	rm := h.registry.load(conn.Room)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || !rm.detach(conn) {
		return false
	}

	if err := h.transition(rm, conn.User, models.ParticipantStatusLeft); err != nil && !errors.Is(err, ErrInvalidTransition) {
		log.Error().Err(err).Str("room", rm.name).Uint("user", conn.User).
			Msg("An error occurred when recording participant leave...")
	}
	h.settle(rm)

	log.Info().Str("module", "signal").Str("room", conn.Room).Uint("user", conn.User).
		Str("reason", reason).Msg("Signaling connection unregistered")
	return true
}

// Decline moves an invited user to DECLINED under the room lock, loading the room
// when it has no in-memory state. A room without live connections is discarded
// again afterwards, and ended when nobody is left to join.
func (h *Hub) Decline(name string, user uint) error {
	rm, err := h.open(name)
	if err != nil {
		return err
	}
	defer rm.mu.Unlock()

	err = h.decline(rm, user)
	if rm.closed {
		return err
	}
	if len(rm.conns) > 0 {
		if err == nil {
			h.settle(rm)
		}
	} else if rm.allTerminal() {
		h.teardown(rm, "all participants have left")
	} else {
		rm.closed = true
		h.registry.remove(rm.name, rm)
	}
	return err
}

// decline must be called with rm.mu held.
func (h *Hub) decline(rm *room, user uint) error {
	if rm.call.IsEnded() {
		return ErrRoomClosed
	}
	if _, ok := rm.statusOf(user); !ok {
		if err := h.reload(rm); err != nil {
			return err
		}
		if _, ok := rm.statusOf(user); !ok {
			return ErrNotInvited
		}
	}
	return h.transition(rm, user, models.ParticipantStatusDeclined)
}

// Dispatch applies one decoded inbound frame of conn.
func (h *Hub) Dispatch(conn *Connection, msg models.SignalMessage) error {
	switch msg.Type {
	case models.SignalJoin:
		return h.sendSnapshot(conn)
	case models.SignalLeave:
		h.Leave(conn)
		return nil
	case models.SignalDecline:
		return h.declineConnected(conn)
	case models.SignalOffer, models.SignalAnswer, models.SignalIceCandidate:
		return h.deliver(conn, msg)
	case models.SignalScreenStart, models.SignalScreenStop:
		if msg.To != nil {
			return h.deliver(conn, msg)
		}
		return h.broadcastFrom(conn, msg)
	default:
		return ErrMalformedMessage
	}
}

func (h *Hub) deliver(conn *Connection, msg models.SignalMessage) error {
	err := h.Relay(conn, msg)
	if errors.Is(err, ErrUnknownTarget) {
		if qErr := conn.Enqueue(models.SignalMessage{
			Type:   models.SignalDeliveryFailed,
			Room:   conn.Room,
			To:     msg.To,
			Ref:    msg.Type,
			Reason: ErrUnknownTarget.Error(),
		}); qErr != nil {
			log.Warn().Err(qErr).Str("module", "signal").Str("room", conn.Room).Uint("user", conn.User).
				Msg("Unable to acknowledge failed delivery")
		}
	}
	return err
}

func (h *Hub) declineConnected(conn *Connection) error {
	rm := h.registry.load(conn.Room)
	if rm == nil {
		return ErrConnectionClosed
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || rm.conns[conn.User] != conn {
		return ErrConnectionClosed
	}
	if err := h.transition(rm, conn.User, models.ParticipantStatusDeclined); err != nil {
		return err
	}
	h.settle(rm)
	return nil
}

func (h *Hub) sendSnapshot(conn *Connection) error {
	rm := h.registry.load(conn.Room)
	if rm == nil {
		return ErrConnectionClosed
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || rm.conns[conn.User] != conn {
		return ErrConnectionClosed
	}
	return conn.Enqueue(models.SignalMessage{
		Type:  models.SignalPeers,
		Room:  rm.name,
		Peers: rm.peers(conn.User),
	})
}

// transition moves user to next, persisting before touching memory.
// Must be called with rm.mu held.
func (h *Hub) transition(rm *room, user uint, next models.ParticipantStatus) error {
	current, ok := rm.statusOf(user)
	if !ok {
		return ErrNotInvited
	}
	if !current.CanTransitTo(next) {
		log.Debug().Str("module", "signal").Str("room", rm.name).Uint("user", user).
			Str("from", string(current)).Str("to", string(next)).Msg("Ignored invalid participant transition")
		return ErrInvalidTransition
	}

	persisted, err := h.store.RecordTransition(rm.call, user, next, time.Now())
	if err != nil {
		return err
	}
	rm.members[user] = persisted
	if persisted.Status != next {
		log.Debug().Str("module", "signal").Str("room", rm.name).Uint("user", user).
			Str("stored", string(persisted.Status)).Str("to", string(next)).Msg("Stored participant status took precedence")
		return ErrInvalidTransition
	}

	metrics.ParticipantTransitions.WithLabelValues(string(next)).Inc()
	h.broadcast(rm, models.SignalMessage{
		Type:   models.SignalPresence,
		From:   user,
		Status: next,
	}, user)
	return nil
}

// settle tears the room down once it has nothing left to wait for.
// Must be called with rm.mu held.
func (h *Hub) settle(rm *room) {
	if rm.closed {
		return
	}
	if rm.allTerminal() {
		h.teardown(rm, "all participants have left")
	} else if len(rm.conns) == 0 && !rm.awaitingInvitees(h.opts.InviteGrace, time.Now()) {
		h.teardown(rm, "room is empty")
	}
}

// teardown announces room-closed, closes leftover connections, ends the call
// and discards the in-memory state. Must be called with rm.mu held.
func (h *Hub) teardown(rm *room, reason string) {
	h.broadcast(rm, models.SignalMessage{
		Type:   models.SignalRoomClosed,
		Reason: reason,
	}, 0)

	now := time.Now()
	for _, conn := range lo.Values(rm.conns) {
		rm.detach(conn)
		if status, _ := rm.statusOf(conn.User); status == models.ParticipantStatusJoined {
			if persisted, err := h.store.RecordTransition(rm.call, conn.User, models.ParticipantStatusLeft, now); err != nil {
				log.Error().Err(err).Str("room", rm.name).Uint("user", conn.User).
					Msg("An error occurred when recording participant leave...")
			} else {
				rm.members[conn.User] = persisted
				metrics.ParticipantTransitions.WithLabelValues(string(persisted.Status)).Inc()
			}
		}
		conn.CloseWith(CloseNormal, reason)
	}

	rm.closed = true
	if !rm.call.IsEnded() {
		if call, err := h.store.EndCall(rm.call); err != nil {
			log.Error().Err(err).Str("room", rm.name).Msg("An error occurred when ending call...")
		} else {
			rm.call = call
		}
	}
	h.registry.remove(rm.name, rm)

	log.Info().Str("module", "signal").Str("room", rm.name).Str("reason", reason).Msg("Room closed")
}

// CloseRoom broadcasts room-closed, closes every live connection of the room and
// ends the call. It returns how many connections were closed.
func (h *Hub) CloseRoom(name string, reason string) int {
	rm := h.registry.load(name)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return 0
	}
	count := len(rm.conns)
	h.teardown(rm, reason)
	return count
}

// ExpireIdle closes connections without inbound activity for longer than idle,
// records them as LEFT, and settles every room. It returns the expired count.
func (h *Hub) ExpireIdle(idle time.Duration) int {
	now := time.Now()
	expired := 0
	for _, rm := range h.registry.snapshot() {
		rm.mu.Lock()
		if rm.closed || !rm.loaded {
			rm.mu.Unlock()
			continue
		}
		for _, conn := range lo.Values(rm.conns) {
			if idle <= 0 || now.Sub(conn.LastSeen()) < idle {
				continue
			}
			rm.detach(conn)
			conn.CloseWith(CloseGoingAway, "idle timeout")
			if err := h.transition(rm, conn.User, models.ParticipantStatusLeft); err != nil && !errors.Is(err, ErrInvalidTransition) {
				log.Error().Err(err).Str("room", rm.name).Uint("user", conn.User).
					Msg("An error occurred when recording participant leave...")
			}
			expired++
		}
		h.settle(rm)
		rm.mu.Unlock()
	}
	return expired
}

// Shutdown closes every connection for a service restart without touching stored state.
func (h *Hub) Shutdown() {
	for _, rm := range h.registry.snapshot() {
		rm.mu.Lock()
		if !rm.closed {
			for _, conn := range lo.Values(rm.conns) {
				rm.detach(conn)
				conn.CloseWith(CloseServiceRestart, "server is shutting down")
			}
			rm.closed = true
			h.registry.remove(rm.name, rm)
		}
		rm.mu.Unlock()
	}
}
