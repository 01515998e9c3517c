package api

import (
	"git.solsynth.dev/hypernet/calling/pkg/internal/signaling"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

var hub *signaling.Hub

func MapAPIs(app *fiber.App, baseURL string, h *signaling.Hub) {
	hub = h

	api := app.Group(baseURL).Name("API")
	{
		calls := api.Group("/calls").Name("Calls API")
		{
			calls.Get("/", listCalls)
			calls.Post("/", startCall)
			calls.Get("/:room", getCall)
			calls.Delete("/:room", endCall)
			calls.Get("/:room/access", checkCallAccess)
			calls.Post("/:room/decline", declineCall)
			calls.Get("/:room/participants", listCallParticipants)
			calls.Post("/:room/participants", inviteCallParticipant)
			calls.Delete("/:room/participants/:user", kickParticipantInCall)
			calls.Get("/:room/signal", signalPreflight, websocket.New(signalGateway(h)))
		}
	}
}
