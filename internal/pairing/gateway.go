package pairing

import (
	"context"

	"back_crm/internal/models"
)

// Gateway is the slice of the resource API the pairing subsystem needs.
// Implemented by gateway.Client; tests substitute an in-memory fake.
type Gateway interface {
	FindChannelSessionByPairingID(ctx context.Context, pairingID string) (*models.ChannelSession, error)
	CreateChannelSession(ctx context.Context, session models.ChannelSession) (*models.ChannelSession, error)
	UpdateChannelSession(ctx context.Context, id uint, patch map[string]any) error
	FindParentSessionByChannelSessionID(ctx context.Context, channelSessionID uint) (*models.ParentSession, error)
	CreateParentSession(ctx context.Context, session models.ParentSession) (*models.ParentSession, error)
	UpdateParentSession(ctx context.Context, id uint, patch map[string]any) error
}

// Provider hands out QR payloads and pairing ids. The confirmation that a
// device completed linking arrives separately, through the callback
// endpoint or an in-process LinkSink.
type Provider interface {
	RequestQR(ctx context.Context) (*QRResponse, error)
}

// QRResponse is the provider's answer to a QR request.
type QRResponse struct {
	// QRPayload is an image data URI ready for the pairing dialog.
	QRPayload string `json:"qr"`
	// PairingID is the provider's opaque identifier for this link attempt.
	PairingID string `json:"pairingId"`
}
