package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"back_crm/internal/models"
	"back_crm/internal/pairing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"
)

// LinkSink receives device-linked confirmations from the embedded
// provider. In-process links reconcile through the same path as external
// callbacks.
type LinkSink interface {
	HandleDeviceLinked(ctx context.Context, pairingID string, info models.AccountInfo) error
}

// EmbeddedProvider runs the channel client in-process instead of talking
// to an external provider service. Each RequestQR opens a fresh device
// session; when the device confirms the link, the account info is pushed
// into the sink under the pairing id issued here.
type EmbeddedProvider struct {
	store  *sqlstore.Container
	logger zerolog.Logger

	mu       sync.Mutex
	sink     LinkSink
	sessions map[string]*linkSession
}

type linkSession struct {
	client *whatsmeow.Client
	cancel context.CancelFunc
}

// NewEmbeddedProvider opens the device store and returns the provider.
// The sink must be attached with SetSink before the first RequestQR; it is
// a separate step because the pairing manager and the provider reference
// each other.
//
// CHANNEL_STORE_DRIVER selects "sqlite" (default) or "postgres";
// CHANNEL_STORE_DSN is required for postgres.
func NewEmbeddedProvider(logger zerolog.Logger) (*EmbeddedProvider, error) {
	driver := os.Getenv("CHANNEL_STORE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	var (
		container *sqlstore.Container
		err       error
	)
	switch driver {
	case "postgres", "pgx":
		dsn := os.Getenv("CHANNEL_STORE_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("CHANNEL_STORE_DSN is required when CHANNEL_STORE_DRIVER=postgres")
		}
		container, err = sqlstore.New("pgx", dsn, nil)
	default:
		container, err = sqlstore.New("sqlite",
			"file:channel_sessions.db?_pragma=foreign_keys(1)&_pragma=journal_mode=WAL&_pragma=synchronous=NORMAL", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	return &EmbeddedProvider{
		store:    container,
		logger:   logger,
		sessions: make(map[string]*linkSession),
	}, nil
}

// SetSink attaches the confirmation sink.
func (p *EmbeddedProvider) SetSink(sink LinkSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *EmbeddedProvider) linkSink() LinkSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

// RequestQR opens a new device session and blocks until the first QR code
// arrives, then keeps watching the session in the background for the link
// confirmation.
func (p *EmbeddedProvider) RequestQR(ctx context.Context) (*pairing.QRResponse, error) {
	device := p.store.NewDevice()
	client := whatsmeow.NewClient(device, nil)

	watchCtx, cancel := context.WithCancel(context.Background())

	qrChan, err := client.GetQRChannel(watchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect channel client: %w", err)
	}

	pairingID := uuid.NewString()

	select {
	case <-ctx.Done():
		cancel()
		client.Disconnect()
		return nil, ctx.Err()

	case item, ok := <-qrChan:
		if !ok || item.Event != "code" {
			cancel()
			client.Disconnect()
			return nil, fmt.Errorf("qr channel closed before a code arrived")
		}

		png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
		if err != nil {
			cancel()
			client.Disconnect()
			return nil, fmt.Errorf("encode qr: %w", err)
		}

		p.track(pairingID, &linkSession{client: client, cancel: cancel})
		go p.watchLink(watchCtx, cancel, pairingID, client, qrChan)

		p.logger.Info().Str("pairing_id", pairingID).Msg("qr generated for new device session")

		return &pairing.QRResponse{
			QRPayload: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
			PairingID: pairingID,
		}, nil
	}
}

// watchLink consumes the remaining QR channel events for one session. On
// success it pushes the linked account into the sink; on timeout or error
// it tears the session down. The watch context is released on every exit
// path.
func (p *EmbeddedProvider) watchLink(ctx context.Context, cancel context.CancelFunc, pairingID string, client *whatsmeow.Client, qrChan <-chan whatsmeow.QRChannelItem) {
	defer cancel()
	defer p.drop(pairingID)

	for {
		select {
		case <-ctx.Done():
			client.Disconnect()
			return

		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				// The device store keeps the latest code server-side; the
				// operator polls status, not the raw QR, so a refreshed
				// code does not need re-delivery here.
				p.logger.Debug().Str("pairing_id", pairingID).Msg("qr code refreshed")

			case "success":
				now := time.Now().UTC()
				info := models.AccountInfo{LastSeen: &now}
				if phone := accountIdentifier(client); phone != "" {
					info.PhoneNumber = &phone
				}

				sink := p.linkSink()
				if sink == nil {
					p.logger.Error().Str("pairing_id", pairingID).Msg("device linked but no sink attached")
					return
				}
				if err := sink.HandleDeviceLinked(ctx, pairingID, info); err != nil {
					p.logger.Error().Err(err).Str("pairing_id", pairingID).Msg("device link reconciliation failed")
				} else {
					p.logger.Info().Str("pairing_id", pairingID).Msg("device linked")
				}
				return

			case "timeout":
				p.logger.Warn().Str("pairing_id", pairingID).Msg("qr expired without a scan")
				client.Disconnect()
				return

			default:
				p.logger.Warn().Str("pairing_id", pairingID).Str("event", item.Event).Msg("unexpected qr channel event")
				client.Disconnect()
				return
			}
		}
	}
}

// Shutdown disconnects all sessions still waiting for a link.
func (p *EmbeddedProvider) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for pairingID, session := range p.sessions {
		session.cancel()
		session.client.Disconnect()
		delete(p.sessions, pairingID)
	}
}

func (p *EmbeddedProvider) track(pairingID string, session *linkSession) {
	p.mu.Lock()
	p.sessions[pairingID] = session
	p.mu.Unlock()
}

func (p *EmbeddedProvider) drop(pairingID string) {
	p.mu.Lock()
	delete(p.sessions, pairingID)
	p.mu.Unlock()
}

// accountIdentifier extracts the phone number from the linked device's
// JID, e.g. "5215512345678:12@s.whatsapp.net" becomes "+5215512345678".
func accountIdentifier(client *whatsmeow.Client) string {
	if client.Store.ID == nil {
		return ""
	}
	parts := strings.Split(client.Store.ID.String(), ":")
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	return "+" + parts[0]
}
