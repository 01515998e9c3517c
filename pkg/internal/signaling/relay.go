package signaling

import (
	"fmt"

	"git.solsynth.dev/hypernet/calling/pkg/internal/metrics"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/rs/zerolog/log"
)

// Relay forwards msg from one connection to the connection of msg.To in the same room.
// The payload is never inspected. Relay never creates room state: an absent target,
// or one whose queue is full, yields ErrUnknownTarget and the frame is dropped.
func (h *Hub) Relay(from *Connection, msg models.SignalMessage) error {
	if msg.To == nil {
		return ErrMalformedMessage
	}

	rm := h.registry.load(from.Room)
	if rm == nil {
		metrics.RelayFailures.Inc()
		return ErrUnknownTarget
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		metrics.RelayFailures.Inc()
		return ErrUnknownTarget
	}
	if rm.conns[from.User] != from {
		return ErrConnectionClosed
	}

	target, ok := rm.conns[*msg.To]
	if !ok || *msg.To == from.User {
		metrics.RelayFailures.Inc()
		return ErrUnknownTarget
	}

	msg.Room = rm.name
	msg.From = from.User
	if err := target.Enqueue(msg); err != nil {
		metrics.RelayFailures.Inc()
		return fmt.Errorf("%w: %w", ErrUnknownTarget, err)
	}

	metrics.RelayedMessages.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// Broadcast sends msg to every live connection of the room except the given user,
// 0 excludes nobody. It returns how many connections accepted the frame.
func (h *Hub) Broadcast(name string, msg models.SignalMessage, except uint) int {
	rm := h.registry.load(name)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return 0
	}
	return h.broadcast(rm, msg, except)
}

func (h *Hub) broadcastFrom(from *Connection, msg models.SignalMessage) error {
	rm := h.registry.load(from.Room)
	if rm == nil {
		return ErrConnectionClosed
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || rm.conns[from.User] != from {
		return ErrConnectionClosed
	}
	msg.From = from.User
	h.broadcast(rm, msg, from.User)
	return nil
}

// broadcast must be called with rm.mu held.
func (h *Hub) broadcast(rm *room, msg models.SignalMessage, except uint) int {
	msg.Room = rm.name
	delivered := 0
	for user, conn := range rm.conns {
		if except != 0 && user == except {
			continue
		}
		if err := conn.Enqueue(msg); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("room", rm.name).Uint("user", user).
				Str("type", string(msg.Type)).Msg("Unable to deliver broadcast frame")
			continue
		}
		delivered++
	}
	return delivered
}
