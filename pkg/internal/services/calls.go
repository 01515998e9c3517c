package services

import (
	"errors"
	"fmt"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/database"
	"git.solsynth.dev/hypernet/calling/pkg/internal/gap"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

var (
	ErrCallEnded      = errors.New("call has already ended")
	ErrAlreadyInvited = errors.New("account is already a participant of this call")
)

func ListCallsForUser(user uint, ongoing bool, take, offset int) ([]models.Call, int64, error) {
	tx := database.C.Model(&models.Call{}).
		Where("id IN (?)", database.C.Model(&models.CallParticipant{}).
			Select("call_id").
			Where("account_id = ?", user))
	if ongoing {
		tx = tx.Where("ended_at IS NULL")
	}
	tx = tx.Session(&gorm.Session{})

	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return nil, 0, err
	}

	var calls []models.Call
	if err := tx.
		Limit(take).
		Offset(offset).
		Order("created_at DESC").
		Find(&calls).Error; err != nil {
		return calls, count, err
	} else {
		return calls, count, nil
	}
}

func GetCallWithRoom(room string) (models.Call, error) {
	var call models.Call
	if err := database.C.
		Where("room_id = ?", room).
		First(&call).Error; err != nil {
		return call, err
	} else {
		return call, nil
	}
}

func ListCallParticipants(call models.Call) ([]models.CallParticipant, error) {
	var participants []models.CallParticipant
	if err := database.C.
		Where(&models.CallParticipant{CallID: call.ID}).
		Order("id ASC").
		Find(&participants).Error; err != nil {
		return participants, err
	} else {
		return participants, nil
	}
}

func GetCallParticipant(call models.Call, user uint) (models.CallParticipant, error) {
	var participant models.CallParticipant
	if err := database.C.
		Where(&models.CallParticipant{CallID: call.ID, AccountID: user}).
		First(&participant).Error; err != nil {
		return participant, err
	} else {
		return participant, nil
	}
}

// NewCall persists the call, the creator as organizer and every invitee.
// All of them start out INVITED, the creator only counts as joined once connected.
func NewCall(creator models.Account, call models.Call, invitees []uint) (models.Call, error) {
	now := time.Now()

	call.RoomID = uuid.NewString()
	call.CreatorID = creator.ID
	call.StartedAt = now
	call.EndedAt = nil

	participants := []models.CallParticipant{{
		AccountID: creator.ID,
		Role:      models.ParticipantRoleOrganizer,
		Status:    models.ParticipantStatusInvited,
		InvitedAt: now,
	}}
	for _, id := range lo.Uniq(invitees) {
		if id == creator.ID || id == 0 {
			continue
		}
		participants = append(participants, models.CallParticipant{
			AccountID: id,
			Role:      models.ParticipantRoleParticipant,
			Status:    models.ParticipantStatusInvited,
			InvitedAt: now,
		})
	}

	if err := database.C.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&call).Error; err != nil {
			return err
		}
		for idx := range participants {
			participants[idx].CallID = call.ID
		}
		return tx.Create(&participants).Error
	}); err != nil {
		return call, err
	}

	call.Participants = participants

	gap.PushEvent("calls.new", lo.Map(participants, func(item models.CallParticipant, _ int) uint {
		return item.AccountID
	}), call)

	return call, nil
}

func InviteCallParticipant(call models.Call, user uint) (models.CallParticipant, error) {
	participant := models.CallParticipant{
		CallID:    call.ID,
		AccountID: user,
		Role:      models.ParticipantRoleParticipant,
		Status:    models.ParticipantStatusInvited,
		InvitedAt: time.Now(),
	}

	err := database.C.Transaction(func(tx *gorm.DB) error {
		var current models.Call
		if err := tx.First(&current, call.ID).Error; err != nil {
			return err
		} else if current.IsEnded() {
			return ErrCallEnded
		}

		var count int64
		if err := tx.Model(&models.CallParticipant{}).
			Where(&models.CallParticipant{CallID: call.ID, AccountID: user}).
			Count(&count).Error; err != nil {
			return err
		} else if count > 0 {
			return ErrAlreadyInvited
		}

		return tx.Create(&participant).Error
	})
	if err != nil {
		return participant, err
	}

	gap.PushEvent("calls.invite", []uint{user}, call)

	return participant, nil
}

// RecordTransition stores the new status of an invited participant with its timestamp.
// Only the INVITED->JOINED, INVITED->DECLINED and JOINED->LEFT edges are written; any
// other request, including one against a LEFT or DECLINED row, returns the row as stored.
// Accounts that were never invited get gorm.ErrRecordNotFound.
func RecordTransition(call models.Call, user uint, status models.ParticipantStatus, at time.Time) (models.CallParticipant, error) {
	var participant models.CallParticipant

	err := database.C.Transaction(func(tx *gorm.DB) error {
		var current models.Call
		if err := tx.First(&current, call.ID).Error; err != nil {
			return err
		}

		if err := tx.
			Where(&models.CallParticipant{CallID: call.ID, AccountID: user}).
			First(&participant).Error; err != nil {
			return err
		} else if !participant.Status.CanTransitTo(status) {
			return nil
		}

		// Participants may still leave an ended call, nothing else is admitted.
		if current.IsEnded() && status != models.ParticipantStatusLeft {
			return ErrCallEnded
		}

		participant.Stamp(status, at)
		return tx.Save(&participant).Error
	})

	return participant, err
}

// EndCall sets the end time once. Later calls return the stored end time unchanged.
// Participants still marked JOINED are closed out as LEFT at the same instant.
func EndCall(call models.Call) (models.Call, error) {
	now := time.Now()

	var affected int64
	if err := database.C.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Call{}).
			Where("id = ? AND ended_at IS NULL", call.ID).
			Update("ended_at", now)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected

		return tx.Model(&models.CallParticipant{}).
			Where("call_id = ? AND status = ?", call.ID, models.ParticipantStatusJoined).
			Updates(map[string]any{
				"status":  models.ParticipantStatusLeft,
				"left_at": now,
			}).Error
	}); err != nil {
		return call, err
	}

	if err := database.C.First(&call, call.ID).Error; err != nil {
		return call, err
	}

	if affected > 0 {
		if participants, err := ListCallParticipants(call); err == nil {
			gap.PushEvent("calls.end", lo.Map(participants, func(item models.CallParticipant, _ int) uint {
				return item.AccountID
			}), call)
		} else {
			log.Warn().Err(err).Str("room", call.RoomID).Msg("Unable to list participants for call end event...")
		}
	}

	return call, nil
}

// ListStaleCalls returns ongoing calls created before the cutoff whose participants
// show no invited, joined, left or declined activity since then.
func ListStaleCalls(threshold time.Duration) ([]models.Call, error) {
	cutoff := time.Now().Add(-threshold)

	recent := database.C.Model(&models.CallParticipant{}).
		Select("call_id").
		Where(
			"(invited_at >= ? OR joined_at >= ? OR left_at >= ? OR declined_at >= ?)",
			cutoff, cutoff, cutoff, cutoff,
		)

	var calls []models.Call
	if err := database.C.
		Where("ended_at IS NULL").
		Where("created_at < ?", cutoff).
		Where("id NOT IN (?)", recent).
		Order("created_at ASC").
		Find(&calls).Error; err != nil {
		return calls, fmt.Errorf("unable to list stale calls: %v", err)
	}

	return calls, nil
}
