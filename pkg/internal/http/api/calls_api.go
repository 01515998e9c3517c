package api

import (
	"errors"

	"git.solsynth.dev/hypernet/calling/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/services"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signaling"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

func listCalls(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	user := c.Locals("user").(models.Account)

	take := c.QueryInt("take", 10)
	offset := c.QueryInt("offset", 0)
	ongoing := c.QueryBool("ongoing", false)

	if calls, count, err := services.ListCallsForUser(user.ID, ongoing, take, offset); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		return c.JSON(fiber.Map{
			"count": count,
			"data":  calls,
		})
	}
}

func startCall(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	user := c.Locals("user").(models.Account)

	var data struct {
		Title       string `json:"title" validate:"required,max=256"`
		Description string `json:"description" validate:"max=4096"`
		ProjectID   *uint  `json:"project_id"`
		TaskID      *uint  `json:"task_id"`
		Invitees    []uint `json:"invitees"`
	}

	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	call, err := services.NewCall(user, models.Call{
		Title:       data.Title,
		Description: data.Description,
		ProjectID:   data.ProjectID,
		TaskID:      data.TaskID,
	}, data.Invitees)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.Status(fiber.StatusCreated).JSON(call)
}

// getCallAsParticipant loads the call of the :room param and the caller's participant row.
func getCallAsParticipant(c *fiber.Ctx) (models.Call, models.CallParticipant, error) {
	var participant models.CallParticipant
	if err := exts.EnsureAuthenticated(c); err != nil {
		return models.Call{}, participant, err
	}
	user := c.Locals("user").(models.Account)

	call, err := services.GetCallWithRoom(c.Params("room"))
	if err != nil {
		return call, participant, fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	if participant, err = services.GetCallParticipant(call, user.ID); err != nil {
		return call, participant, fiber.NewError(fiber.StatusForbidden, signaling.ErrNotInvited.Error())
	}

	return call, participant, nil
}

func getCall(c *fiber.Ctx) error {
	call, _, err := getCallAsParticipant(c)
	if err != nil {
		return err
	}

	if participants, err := listParticipantsWithPresence(call); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		call.Participants = participants
	}

	return c.JSON(call)
}

func checkCallAccess(c *fiber.Ctx) error {
	call, participant, err := getCallAsParticipant(c)
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) && fe.Code == fiber.StatusForbidden {
			return c.JSON(fiber.Map{"allowed": false})
		}
		return err
	}

	return c.JSON(fiber.Map{
		"allowed": !call.IsEnded() && !participant.Status.IsTerminal(),
		"status":  participant.Status,
	})
}

func listParticipantsWithPresence(call models.Call) ([]models.CallParticipant, error) {
	participants, err := services.ListCallParticipants(call)
	if err != nil {
		return participants, err
	}

	live := hub.Registry().AllInRoom(call.RoomID)
	for idx := range participants {
		_, participants[idx].Connected = live[participants[idx].AccountID]
	}
	return participants, nil
}

func listCallParticipants(c *fiber.Ctx) error {
	call, _, err := getCallAsParticipant(c)
	if err != nil {
		return err
	}

	if participants, err := listParticipantsWithPresence(call); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		return c.JSON(participants)
	}
}

func inviteCallParticipant(c *fiber.Ctx) error {
	call, participant, err := getCallAsParticipant(c)
	if err != nil {
		return err
	} else if participant.Role != models.ParticipantRoleOrganizer {
		return fiber.NewError(fiber.StatusForbidden, "only the organizer can invite participants")
	}

	var data struct {
		AccountID uint `json:"account_id" validate:"required"`
	}

	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	if invited, err := services.InviteCallParticipant(call, data.AccountID); err != nil {
		return signalingError(err)
	} else {
		return c.JSON(invited)
	}
}

func declineCall(c *fiber.Ctx) error {
	call, participant, err := getCallAsParticipant(c)
	if err != nil {
		return err
	}

	if err := hub.Decline(call.RoomID, participant.AccountID); err != nil && !errors.Is(err, signaling.ErrInvalidTransition) {
		return signalingError(err)
	}

	// An invalid edge is a no-op, the caller gets the row as it stands.
	if current, err := services.GetCallParticipant(call, participant.AccountID); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		return c.JSON(current)
	}
}

func kickParticipantInCall(c *fiber.Ctx) error {
	call, participant, err := getCallAsParticipant(c)
	if err != nil {
		return err
	} else if participant.Role != models.ParticipantRoleOrganizer {
		return fiber.NewError(fiber.StatusForbidden, "only the organizer can kick participants")
	}

	target, err := c.ParamsInt("user", 0)
	if err != nil || target <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid target user")
	}

	if err := hub.Kick(call.RoomID, uint(target)); err != nil {
		return signalingError(err)
	}

	return c.SendStatus(fiber.StatusOK)
}

func endCall(c *fiber.Ctx) error {
	call, participant, err := getCallAsParticipant(c)
	if err != nil {
		return err
	} else if participant.Role != models.ParticipantRoleOrganizer {
		return fiber.NewError(fiber.StatusForbidden, "only the organizer can end the call")
	}

	hub.CloseRoom(call.RoomID, "ended by organizer")

	if call, err := services.EndCall(call); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		return c.JSON(call)
	}
}

func signalingError(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, signaling.ErrUnauthorized), errors.Is(err, signaling.ErrNotInvited):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, signaling.ErrUnknownTarget):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, signaling.ErrRoomClosed), errors.Is(err, services.ErrCallEnded):
		return fiber.NewError(fiber.StatusGone, err.Error())
	case errors.Is(err, signaling.ErrInvalidTransition), errors.Is(err, services.ErrAlreadyInvited):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
