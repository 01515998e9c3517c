package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParticipantStatusEdges(t *testing.T) {
	all := []ParticipantStatus{
		ParticipantStatusInvited,
		ParticipantStatusJoined,
		ParticipantStatusLeft,
		ParticipantStatusDeclined,
	}
	allowed := map[[2]ParticipantStatus]bool{
		{ParticipantStatusInvited, ParticipantStatusJoined}:   true,
		{ParticipantStatusInvited, ParticipantStatusDeclined}: true,
		{ParticipantStatusJoined, ParticipantStatusLeft}:      true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]ParticipantStatus{from, to}], from.CanTransitTo(to), "%s -> %s", from, to)
		}
	}
}

func TestParticipantStatusTerminal(t *testing.T) {
	assert.False(t, ParticipantStatusInvited.IsTerminal())
	assert.False(t, ParticipantStatusJoined.IsTerminal())
	assert.True(t, ParticipantStatusLeft.IsTerminal())
	assert.True(t, ParticipantStatusDeclined.IsTerminal())
}

func TestParticipantStampAndLastActivity(t *testing.T) {
	invited := time.Now().Add(-time.Hour)
	participant := CallParticipant{Status: ParticipantStatusInvited, InvitedAt: invited}
	assert.Equal(t, invited, participant.LastActivity())

	joined := invited.Add(10 * time.Minute)
	participant.Stamp(ParticipantStatusJoined, joined)
	assert.Equal(t, ParticipantStatusJoined, participant.Status)
	assert.Equal(t, joined, *participant.JoinedAt)
	assert.Equal(t, joined, participant.LastActivity())

	left := joined.Add(20 * time.Minute)
	participant.Stamp(ParticipantStatusLeft, left)
	assert.Equal(t, ParticipantStatusLeft, participant.Status)
	assert.Equal(t, left, *participant.LeftAt)
	assert.Equal(t, left, participant.LastActivity())
	assert.Nil(t, participant.DeclinedAt)
}

func TestSignalTypeClasses(t *testing.T) {
	for _, tp := range []SignalType{SignalOffer, SignalAnswer, SignalIceCandidate} {
		assert.True(t, tp.IsNegotiation(), tp)
		assert.False(t, tp.IsServerOriginated(), tp)
	}
	for _, tp := range []SignalType{SignalPresence, SignalRoomClosed, SignalPeers, SignalDeliveryFailed} {
		assert.True(t, tp.IsServerOriginated(), tp)
		assert.False(t, tp.IsNegotiation(), tp)
	}
	assert.False(t, SignalJoin.IsNegotiation())
	assert.False(t, SignalScreenStart.IsServerOriginated())
}
