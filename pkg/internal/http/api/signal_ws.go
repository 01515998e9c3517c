package api

import (
	"errors"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/services"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signaling"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// signalPreflight authorizes the handshake before the upgrade, no room state is touched here.
func signalPreflight(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	user := c.Locals("user").(models.Account)

	call, err := services.GetCallWithRoom(c.Params("room"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	} else if call.IsEnded() {
		return fiber.NewError(fiber.StatusGone, signaling.ErrRoomClosed.Error())
	}

	if participant, err := services.GetCallParticipant(call, user.ID); err != nil {
		return fiber.NewError(fiber.StatusForbidden, signaling.ErrUnauthorized.Error())
	} else if participant.Status.IsTerminal() {
		return fiber.NewError(fiber.StatusConflict, signaling.ErrInvalidTransition.Error())
	}

	c.Locals("room", call.RoomID)
	return c.Next()
}

func signalGateway(h *signaling.Hub) func(c *websocket.Conn) {
	return func(c *websocket.Conn) {
		user := c.Locals("user").(models.Account)
		room := c.Locals("room").(string)
		opts := h.Options()

		conn, err := h.Connect(room, user.ID)
		if err != nil {
			log.Warn().Err(err).Str("room", room).Uint("user", user.ID).Msg("Refused signaling connection")
			_ = c.WriteControl(
				websocket.CloseMessage,
				closeFrame(signaling.ClosePolicyViolation, err.Error()),
				time.Now().Add(opts.WriteWait),
			)
			return
		}

		finished := make(chan struct{})
		go writePump(c, conn, opts, finished)

		readPump(h, c, conn, opts)
		h.Disconnect(conn)

		<-finished
	}
}

func readPump(h *signaling.Hub, c *websocket.Conn, conn *signaling.Connection, opts signaling.Options) {
	c.SetReadLimit(opts.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.SetPongHandler(func(string) error {
		conn.Touch()
		return c.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, packet, err := c.ReadMessage()
		if err != nil {
			if !conn.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("room", conn.Room).Uint("user", conn.User).
					Msg("Signaling connection dropped unexpectedly")
			}
			return
		}

		conn.Touch()
		_ = c.SetReadDeadline(time.Now().Add(opts.PongWait))

		msg, err := signaling.DecodeMessage(packet, conn)
		if err != nil {
			log.Warn().Err(err).Str("room", conn.Room).Uint("user", conn.User).
				Msg("Closing signaling connection on malformed message")
			conn.CloseWith(signaling.CloseProtocolError, err.Error())
			return
		}

		if err := h.Dispatch(conn, msg); err != nil && !errors.Is(err, signaling.ErrUnknownTarget) {
			log.Debug().Err(err).Str("room", conn.Room).Uint("user", conn.User).
				Str("type", string(msg.Type)).Msg("Signaling message was not applied")
		}

		if conn.IsClosed() {
			return
		}
	}
}

func writePump(c *websocket.Conn, conn *signaling.Connection, opts signaling.Options, finished chan<- struct{}) {
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		close(finished)
	}()

	abort := func(err error) {
		log.Warn().Err(err).Str("room", conn.Room).Uint("user", conn.User).
			Msg("An error occurred when writing to signaling connection...")
		conn.CloseWith(signaling.CloseGoingAway, "write failed")
		_ = c.Close()
	}

	for {
		if err := flush(c, conn, opts); err != nil {
			abort(err)
			return
		}

		select {
		case <-conn.Done():
			_ = flush(c, conn, opts)
			code, reason := conn.CloseStatus()
			_ = c.WriteControl(websocket.CloseMessage, closeFrame(code, reason), time.Now().Add(opts.WriteWait))
			_ = c.Close()
			return
		case <-conn.Ready():
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteWait)); err != nil {
				abort(err)
				return
			}
		}
	}
}

func flush(c *websocket.Conn, conn *signaling.Connection, opts signaling.Options) error {
	for {
		msg, ok := conn.Pop()
		if !ok {
			return nil
		}
		packet, err := signaling.EncodeMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("type", string(msg.Type)).Msg("An error occurred when encoding signaling message...")
			continue
		}
		if err := c.SetWriteDeadline(time.Now().Add(opts.WriteWait)); err != nil {
			return err
		}
		if err := c.WriteMessage(websocket.TextMessage, packet); err != nil {
			return err
		}
	}
}

// closeFrame keeps the reason within the 123 bytes a close frame allows.
func closeFrame(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	return websocket.FormatCloseMessage(code, reason)
}
