package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"back_crm/internal/pairing"

	"github.com/rs/zerolog"
)

// HTTPProvider requests QR codes from an external channel provider over
// HTTP. The provider delivers device-linked confirmations separately,
// through the callback endpoint.
type HTTPProvider struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewHTTPProvider creates a provider client for the given base URL.
func NewHTTPProvider(baseURL string, logger zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// RequestQR asks the provider for a fresh QR payload and pairing id.
func (p *HTTPProvider) RequestQR(ctx context.Context) (*pairing.QRResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/qr", nil)
	if err != nil {
		return nil, fmt.Errorf("build qr request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request qr: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	var body struct {
		QR        string `json:"qr"`
		PairingID string `json:"pairingId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode qr response: %w", err)
	}
	if body.QR == "" || body.PairingID == "" {
		return nil, fmt.Errorf("provider response missing qr or pairing id")
	}

	p.logger.Debug().Str("pairing_id", body.PairingID).Msg("qr obtained from provider")

	return &pairing.QRResponse{QRPayload: body.QR, PairingID: body.PairingID}, nil
}
