package pairing

import (
	"context"
	"time"

	"back_crm/internal/models"
	"back_crm/internal/staging"

	"github.com/rs/zerolog"
)

// Initiator starts pairing attempts: it obtains a QR payload and pairing id
// from the provider and stages the submitted form data until the provider
// confirms the device link.
type Initiator struct {
	provider Provider
	staging  staging.Store
	logger   zerolog.Logger
	now      func() time.Time
}

// NewInitiator creates an Initiator.
func NewInitiator(provider Provider, store staging.Store, logger zerolog.Logger) *Initiator {
	return &Initiator{
		provider: provider,
		staging:  store,
		logger:   logger,
		now:      time.Now,
	}
}

// StartResult is what the pairing dialog needs to render after initiation.
type StartResult struct {
	PairingID string `json:"pairing_id"`
	QRPayload string `json:"qr"`
	State     State  `json:"state"`
}

// StartPairing requests a QR from the provider and stages the form data
// under the returned pairing id. The attempt reaches scanning only after
// staging succeeds.
//
// When the provider call succeeds but staging fails, the QR is already
// valid on the provider side; both the partial result and a
// KindStagingWriteFailed error are returned so the caller can offer resume
// instead of forcing a fresh QR.
func (i *Initiator) StartPairing(ctx context.Context, form models.PairingForm) (*StartResult, error) {
	if err := form.Validate(); err != nil {
		return nil, newError(KindInvalidInput, "", "formulario incompleto", err)
	}

	qr, err := i.provider.RequestQR(ctx)
	if err != nil {
		return nil, newError(KindProviderUnavailable, "",
			"no se pudo obtener el código QR, intenta de nuevo", err)
	}

	if err := i.stage(ctx, qr.PairingID, form); err != nil {
		i.logger.Error().Err(err).Str("pairing_id", qr.PairingID).Msg("staging failed after QR was obtained")
		return &StartResult{PairingID: qr.PairingID, QRPayload: qr.QRPayload, State: StateError},
			newError(KindStagingWriteFailed, qr.PairingID,
				"el código QR fue generado pero no se pudo guardar el formulario", err)
	}

	i.logger.Info().Str("pairing_id", qr.PairingID).Uint("user_id", form.UserID).Msg("pairing started")

	return &StartResult{PairingID: qr.PairingID, QRPayload: qr.QRPayload, State: StateScanning}, nil
}

// ResumeStaging retries only the staging step for a pairing whose QR was
// already obtained.
func (i *Initiator) ResumeStaging(ctx context.Context, pairingID string, form models.PairingForm) error {
	if err := form.Validate(); err != nil {
		return newError(KindInvalidInput, pairingID, "formulario incompleto", err)
	}
	if err := i.stage(ctx, pairingID, form); err != nil {
		return newError(KindStagingWriteFailed, pairingID,
			"no se pudo guardar el formulario", err)
	}
	return nil
}

func (i *Initiator) stage(ctx context.Context, pairingID string, form models.PairingForm) error {
	return i.staging.Put(ctx, models.PairingSession{
		PairingID: pairingID,
		FormData:  form,
		CreatedAt: i.now().UTC(),
	})
}
