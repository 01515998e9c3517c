package signaling

import (
	"errors"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/samber/lo"
)

var errCallNotFound = errors.New("record not found")

// memoryStore keeps calls in memory with the same transition rules as the database store.
type memoryStore struct {
	mu           sync.Mutex
	nextID       uint
	calls        map[string]models.Call
	participants map[uint]map[uint]models.CallParticipant
	failRecord   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		calls:        make(map[string]models.Call),
		participants: make(map[uint]map[uint]models.CallParticipant),
	}
}

// addCall creates a call whose first user is the organizer, everyone starts INVITED.
func (s *memoryStore) addCall(room string, users ...uint) models.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now()
	call := models.Call{RoomID: room, CreatorID: users[0], StartedAt: now}
	call.ID = s.nextID
	s.calls[room] = call
	s.participants[call.ID] = make(map[uint]models.CallParticipant)
	for idx, user := range users {
		s.participants[call.ID][user] = models.CallParticipant{
			CallID:    call.ID,
			AccountID: user,
			Role:      lo.Ternary(idx == 0, models.ParticipantRoleOrganizer, models.ParticipantRoleParticipant),
			Status:    models.ParticipantStatusInvited,
			InvitedAt: now,
		}
	}
	return call
}

func (s *memoryStore) invite(room string, user uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls[room]
	s.participants[call.ID][user] = models.CallParticipant{
		CallID:    call.ID,
		AccountID: user,
		Role:      models.ParticipantRoleParticipant,
		Status:    models.ParticipantStatusInvited,
		InvitedAt: time.Now(),
	}
}

func (s *memoryStore) status(room string, user uint) models.ParticipantStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[s.calls[room].ID][user].Status
}

func (s *memoryStore) call(room string) models.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[room]
}

func (s *memoryStore) GetCallWithRoom(room string) (models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[room]
	if !ok {
		return call, errCallNotFound
	}
	return call, nil
}

func (s *memoryStore) ListCallParticipants(call models.Call) ([]models.CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.participants[call.ID]), nil
}

func (s *memoryStore) RecordTransition(call models.Call, user uint, status models.ParticipantStatus, at time.Time) (models.CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failRecord != nil {
		return models.CallParticipant{}, s.failRecord
	}

	current := s.calls[call.RoomID]
	participant, ok := s.participants[call.ID][user]
	if !ok {
		return participant, errCallNotFound
	} else if !participant.Status.CanTransitTo(status) {
		return participant, nil
	}
	if current.IsEnded() && status != models.ParticipantStatusLeft {
		return participant, errors.New("call has already ended")
	}

	participant.Stamp(status, at)
	s.participants[call.ID][user] = participant
	return participant, nil
}

func (s *memoryStore) EndCall(call models.Call) (models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.calls[call.RoomID]
	if current.EndedAt == nil {
		current.EndedAt = lo.ToPtr(time.Now())
		s.calls[call.RoomID] = current
	}
	return current, nil
}
