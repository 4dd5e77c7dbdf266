// ABOUTME: Matrix implementation of Sender that posts plain-text notices to one room.
// ABOUTME: Uses the mautrix client with a bounded per-message timeout.

package notify

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const matrixSendTimeout = 30 * time.Second

// MatrixConfig identifies the account and room used for notices.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// MatrixSender sends notices to a single Matrix room.
type MatrixSender struct {
	client *mautrix.Client
	room   id.RoomID
}

// NewMatrixSender creates a Matrix client for cfg.
func NewMatrixSender(cfg MatrixConfig) (*MatrixSender, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixSender{client: client, room: id.RoomID(cfg.RoomID)}, nil
}

// Send posts text to the configured room.
func (m *MatrixSender) Send(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, matrixSendTimeout)
	defer cancel()
	if _, err := m.client.SendText(ctx, m.room, text); err != nil {
		return fmt.Errorf("sending to %s: %w", m.room, err)
	}
	return nil
}
