package services

import (
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
)

// CallKeeper exposes the call store functions to the signaling hub.
type CallKeeper struct{}

func (CallKeeper) GetCallWithRoom(room string) (models.Call, error) {
	return GetCallWithRoom(room)
}

func (CallKeeper) ListCallParticipants(call models.Call) ([]models.CallParticipant, error) {
	return ListCallParticipants(call)
}

func (CallKeeper) RecordTransition(call models.Call, user uint, status models.ParticipantStatus, at time.Time) (models.CallParticipant, error) {
	return RecordTransition(call, user, status, at)
}

func (CallKeeper) EndCall(call models.Call) (models.Call, error) {
	return EndCall(call)
}
