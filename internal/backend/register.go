package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/pushapp/internal/device"
)

// ErrNoGuestID is returned when a registration succeeded at the transport
// level but the body carried no device.user_id.
var ErrNoGuestID = errors.New("backend: registration response has no guest id")

// DeviceRegistration is the body of POST /register.
type DeviceRegistration struct {
	Platform  device.Platform `json:"platform"`
	Token     string          `json:"token"`
	DeviceID  string          `json:"device_id"`
	ChannelID string          `json:"channel_id"`
}

type userBinding struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
}

// RegisterDevice registers a push token and returns the server-issued guest
// id found at device.user_id.
func (c *Client) RegisterDevice(ctx context.Context, reg DeviceRegistration) (string, error) {
	if reg.Token == "" {
		return "", fmt.Errorf("backend: register: token is required")
	}
	resp, err := c.post(ctx, PathRegister, reg)
	if err != nil {
		return "", err
	}
	return guestIDFrom(resp.Body)
}

func guestIDFrom(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: malformed body", ErrNoGuestID)
	}
	id := gjson.GetBytes(body, "device.user_id")
	if !id.Exists() || strings.TrimSpace(id.String()) == "" {
		return "", ErrNoGuestID
	}
	return id.String(), nil
}

// BindUser associates userID with the device on channelID.
func (c *Client) BindUser(ctx context.Context, userID, deviceID, channelID string) error {
	_, err := c.post(ctx, PathRegisterUser, userBinding{
		UserID:    userID,
		DeviceID:  deviceID,
		ChannelID: channelID,
	})
	return err
}
