package providers

import (
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/broker/src/types"
)

type clientList struct {
	Clients []*types.ClientInfo `json:"clients"`
	Count   int                 `json:"count"`
}

type destinationCount struct {
	Destination string `json:"destination"`
	Subscribers int    `json:"subscribers"`
}

type destinationList struct {
	Destinations []destinationCount `json:"destinations"`
	Count        int                `json:"count"`
}

func (s *Server) listClients() clientList {
	ids := s.service.GetConnectedClients()
	sort.Strings(ids)
	infos := make([]*types.ClientInfo, 0, len(ids))
	for _, id := range ids {
		// Clients may disconnect between the two calls.
		if info, err := s.service.GetClientInfo(id); err == nil {
			infos = append(infos, info)
		}
	}
	return clientList{Clients: infos, Count: len(infos)}
}

func (s *Server) listDestinations() destinationList {
	counts := s.service.GetDestinations()
	out := make([]destinationCount, 0, len(counts))
	for dest, n := range counts {
		out = append(out, destinationCount{Destination: dest, Subscribers: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return destinationList{Destinations: out, Count: len(out)}
}

func (s *Server) publish(dest string, body []byte) (int, error) {
	return s.service.Publish(dest, payloadOf(body))
}

func (s *Server) sendToUser(principal, dest string, body []byte) (int, error) {
	return s.service.SendToUser(principal, dest, payloadOf(body))
}

func (s *Server) disconnect(clientID string) error {
	if _, err := s.service.GetClientInfo(clientID); err != nil {
		return err
	}
	s.service.Disconnect(clientID)
	return nil
}

// payloadOf returns nil for an empty body so it is published without payload.
func payloadOf(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	// fiber reuses the request buffer after the handler returns.
	return append([]byte(nil), body...)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrDestinationNotFound), errors.Is(err, types.ErrUnknownConnection):
		return fiber.StatusNotFound
	case errors.Is(err, types.ErrInvalidDestination), errors.Is(err, types.ErrInvalidFrame):
		return fiber.StatusBadRequest
	case errors.Is(err, types.ErrOverloaded), errors.Is(err, types.ErrClosed):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errorResponse(c fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error":   types.ErrorCode(err),
		"message": err.Error(),
	})
}
