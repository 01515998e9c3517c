package models

import (
	"time"
)

type ParticipantStatus string

const (
	ParticipantStatusInvited  = ParticipantStatus("INVITED")
	ParticipantStatusJoined   = ParticipantStatus("JOINED")
	ParticipantStatusLeft     = ParticipantStatus("LEFT")
	ParticipantStatusDeclined = ParticipantStatus("DECLINED")
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (v ParticipantStatus) IsTerminal() bool {
	return v == ParticipantStatusLeft || v == ParticipantStatusDeclined
}

// CanTransitTo allows only INVITED->JOINED, INVITED->DECLINED and JOINED->LEFT.
func (v ParticipantStatus) CanTransitTo(next ParticipantStatus) bool {
	switch v {
	case ParticipantStatusInvited:
		return next == ParticipantStatusJoined || next == ParticipantStatusDeclined
	case ParticipantStatusJoined:
		return next == ParticipantStatusLeft
	default:
		return false
	}
}

type ParticipantRole string

const (
	ParticipantRoleOrganizer   = ParticipantRole("ORGANIZER")
	ParticipantRoleParticipant = ParticipantRole("PARTICIPANT")
)

type Call struct {
	BaseModel

	RoomID      string     `json:"room_id" gorm:"uniqueIndex;size:100"`
	Title       string     `json:"title" gorm:"size:256"`
	Description string     `json:"description"`
	ProjectID   *uint      `json:"project_id"`
	TaskID      *uint      `json:"task_id"`
	CreatorID   uint       `json:"creator_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`

	Participants []CallParticipant `json:"participants,omitempty" gorm:"-"`
}

func (v Call) IsEnded() bool {
	return v.EndedAt != nil
}

type CallParticipant struct {
	BaseModel

	CallID     uint              `json:"call_id" gorm:"uniqueIndex:idx_call_participant"`
	AccountID  uint              `json:"account_id" gorm:"uniqueIndex:idx_call_participant"`
	Role       ParticipantRole   `json:"role" gorm:"size:32"`
	Status     ParticipantStatus `json:"status" gorm:"size:32;index"`
	InvitedAt  time.Time         `json:"invited_at"`
	JoinedAt   *time.Time        `json:"joined_at"`
	LeftAt     *time.Time        `json:"left_at"`
	DeclinedAt *time.Time        `json:"declined_at"`

	Connected bool `json:"connected" gorm:"-"`
}

// LastActivity is the newest of the invited, joined, left and declined timestamps.
func (v CallParticipant) LastActivity() time.Time {
	latest := v.InvitedAt
	for _, ts := range []*time.Time{v.JoinedAt, v.LeftAt, v.DeclinedAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return latest
}

// Stamp sets the status and the timestamp column that belongs to it.
func (v *CallParticipant) Stamp(status ParticipantStatus, at time.Time) {
	v.Status = status
	switch status {
	case ParticipantStatusInvited:
		v.InvitedAt = at
	case ParticipantStatusJoined:
		v.JoinedAt = &at
	case ParticipantStatusLeft:
		v.LeftAt = &at
	case ParticipantStatusDeclined:
		v.DeclinedAt = &at
	}
}
