package signaling

import "errors"

var (
	ErrAlreadyConnected  = errors.New("user already holds a connection in this room")
	ErrInvalidTransition = errors.New("participant status transition is not allowed")
	ErrUnknownTarget     = errors.New("target has no live connection in this room")
	ErrUnauthorized      = errors.New("caller is not allowed to join this room")
	ErrMalformedMessage  = errors.New("malformed signaling message")
	ErrNotInvited        = errors.New("user is not a participant of this call")
	ErrRoomClosed        = errors.New("call has already ended")
	ErrQueueFull         = errors.New("outbound queue is full")
	ErrConnectionClosed  = errors.New("connection is closed")
)

// Close codes written on the signaling channel, as defined by RFC 6455.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseServiceRestart  = 1012
)
