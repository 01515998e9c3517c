package signaling

import (
	"bytes"
	"fmt"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	jsoniter "github.com/json-iterator/go"
)

// DecodeMessage parses an inbound frame of conn. Only the envelope is validated,
// room and sender are always taken from the connection.
func DecodeMessage(data []byte, conn *Connection) (models.SignalMessage, error) {
	var msg models.SignalMessage
	if err := jsoniter.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case msg.Type.IsServerOriginated():
		return msg, fmt.Errorf("%w: %s is sent by the server only", ErrMalformedMessage, msg.Type)
	case msg.Type.IsNegotiation():
		if msg.To == nil {
			return msg, fmt.Errorf("%w: %s requires a target", ErrMalformedMessage, msg.Type)
		}
		if isEmptyPayload(msg.Payload) {
			return msg, fmt.Errorf("%w: %s requires a payload", ErrMalformedMessage, msg.Type)
		}
	case msg.Type == models.SignalJoin, msg.Type == models.SignalLeave, msg.Type == models.SignalDecline:
		msg.To = nil
		msg.Payload = nil
	case msg.Type == models.SignalScreenStart, msg.Type == models.SignalScreenStop:
	default:
		return msg, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}

	if len(msg.Room) > 0 && msg.Room != conn.Room {
		return msg, fmt.Errorf("%w: room does not match the connection", ErrMalformedMessage)
	}

	msg.Room = conn.Room
	msg.From = conn.User
	msg.Status = ""
	msg.Peers = nil
	msg.Ref = ""
	msg.Reason = ""
	return msg, nil
}

func EncodeMessage(msg models.SignalMessage) ([]byte, error) {
	return jsoniter.Marshal(msg)
}

func isEmptyPayload(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
