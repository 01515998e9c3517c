package models

import jsoniter "github.com/json-iterator/go"

type SignalType string

const (
	SignalJoin         = SignalType("join")
	SignalLeave        = SignalType("leave")
	SignalDecline      = SignalType("decline")
	SignalOffer        = SignalType("offer")
	SignalAnswer       = SignalType("answer")
	SignalIceCandidate = SignalType("ice-candidate")
	SignalScreenStart  = SignalType("screen-start")
	SignalScreenStop   = SignalType("screen-stop")

	SignalPresence       = SignalType("presence")
	SignalRoomClosed     = SignalType("room-closed")
	SignalPeers          = SignalType("peers")
	SignalDeliveryFailed = SignalType("delivery-failed")
)

// IsNegotiation reports whether the type carries an opaque payload for one target peer.
func (v SignalType) IsNegotiation() bool {
	return v == SignalOffer || v == SignalAnswer || v == SignalIceCandidate
}

// IsServerOriginated reports whether only the relay may emit the type.
func (v SignalType) IsServerOriginated() bool {
	switch v {
	case SignalPresence, SignalRoomClosed, SignalPeers, SignalDeliveryFailed:
		return true
	default:
		return false
	}
}

// SignalMessage is the envelope of every frame on the signaling channel.
// For presence frames From is the user whose status changed.
type SignalMessage struct {
	Type    SignalType          `json:"type"`
	Room    string              `json:"room"`
	From    uint                `json:"from,omitempty"`
	To      *uint               `json:"to,omitempty"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`

	Status ParticipantStatus `json:"status,omitempty"`
	Peers  []PeerInfo        `json:"peers,omitempty"`
	Ref    SignalType        `json:"ref,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

type PeerInfo struct {
	AccountID uint              `json:"account_id"`
	Status    ParticipantStatus `json:"status"`
	Connected bool              `json:"connected"`
}
