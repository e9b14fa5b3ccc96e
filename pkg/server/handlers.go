package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-callbridge/internal/httpc"
	"github.com/teslashibe/go-callbridge/internal/publisher"
	"github.com/teslashibe/go-callbridge/pkg/archive"
	"github.com/teslashibe/go-callbridge/pkg/telephony"
)

// handleMarkup answers the provider's call-setup request with stream markup. Our own
// lowercase parameters win over the provider's To/From fields.
func (s *Server) handleMarkup(c *fiber.Ctx) error {
	params := map[string]string{
		telephony.ParamOutboundID: c.FormValue(telephony.ParamOutboundID),
		telephony.ParamName:       c.FormValue(telephony.ParamName),
		telephony.ParamTo:         firstNonEmpty(c.FormValue(telephony.ParamTo), c.FormValue("To")),
		telephony.ParamFrom:       firstNonEmpty(c.FormValue(telephony.ParamFrom), c.FormValue("From")),
	}

	body, err := telephony.StreamMarkup(StreamURL(s.publicHost(c), s.cfg.Server.StreamPath), params)
	if err != nil {
		s.logger.Error("markup", "error", err)
		return fiber.ErrInternalServerError
	}

	s.logger.Info("call setup", "call_sid", c.FormValue("CallSid"), "outbound_id", params[telephony.ParamOutboundID])
	c.Set(fiber.HeaderContentType, "text/xml")
	return c.Send(body)
}

// handleStatus records a provider status callback. Calls that ended without ever being
// answered never open a stream, so their call log is sent from here.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	callSID := c.FormValue("CallSid")
	status := c.FormValue("CallStatus")
	outboundID := c.FormValue(telephony.ParamOutboundID)
	to := c.FormValue("To")

	if callSID == "" || status == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "CallSid and CallStatus are required"})
	}
	s.logger.Info("call status", "call_sid", callSID, "status", status, "outbound_id", outboundID)

	ctx, cancel := context.WithTimeout(context.Background(), httpc.BestEffortTimeout)
	defer cancel()

	if s.deps.Events != nil {
		s.deps.Events.Emit(ctx, callSID, publisher.EventStatus, fiber.Map{
			"status":      status,
			"outbound_id": outboundID,
		})
	}
	if telephony.NeverConnected(status) && s.deps.Finalizer != nil {
		s.deps.Finalizer.Unconnected(ctx, callSID, outboundID, to, status)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleOriginate(c *fiber.Ctx) error {
	if s.deps.Calls == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "call origination not configured"})
	}

	var req OriginateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if req.From == "" {
		req.From = s.cfg.Twilio.FromNumber
	}

	res, err := Originate(c.UserContext(), s.deps.Calls, s.publicHost(c), req)
	if err != nil {
		var apiErr *telephony.APIError
		switch {
		case errors.Is(err, ErrInvalidRequest):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, telephony.ErrNoCredentials):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		case errors.As(err, &apiErr):
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": apiErr.Message})
		default:
			s.logger.Error("originate", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handleOAuthStart(c *fiber.Ctx) error {
	if s.deps.Archive == nil {
		return fiber.ErrNotFound
	}
	return c.Redirect(s.deps.Archive.AuthURL(), fiber.StatusTemporaryRedirect)
}

func (s *Server) handleOAuthCallback(c *fiber.Ctx) error {
	if s.deps.Archive == nil {
		return fiber.ErrNotFound
	}
	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).SendString("missing authorization code")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()
	if err := s.deps.Archive.Exchange(ctx, c.Query("state"), code); err != nil {
		if errors.Is(err, archive.ErrStateMismatch) {
			return c.Status(fiber.StatusBadRequest).SendString("unknown or expired state")
		}
		s.logger.Error("oauth exchange", "error", err)
		return c.Status(fiber.StatusInternalServerError).SendString("authentication failed")
	}

	s.logger.Info("transcript archive connected")
	return c.SendString("Google Docs connected. Finished calls will be archived; you can close this window.")
}

func (s *Server) handleOAuthStatus(c *fiber.Ctx) error {
	connected := s.deps.Archive != nil && s.deps.Archive.Authenticated()
	return c.JSON(fiber.Map{"configured": s.deps.Archive != nil, "connected": connected})
}

func (s *Server) publicHost(c *fiber.Ctx) string {
	if s.cfg.Server.PublicHost != "" {
		return s.cfg.Server.PublicHost
	}
	return c.Hostname()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
