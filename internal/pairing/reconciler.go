package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"back_crm/internal/models"
	"back_crm/internal/staging"

	"github.com/rs/zerolog"
)

// Reconciler turns device-linked callbacks from the provider into
// consistent ChannelSession/ParentSession state. Callbacks may repeat and
// may race each other; reconciliation is idempotent.
type Reconciler struct {
	gw      Gateway
	staging staging.Store
	logger  zerolog.Logger
	now     func() time.Time

	// ParentSession creation is retried before declaring the
	// reconciliation partial.
	parentRetries int
	retryBackoff  time.Duration
}

// NewReconciler creates a Reconciler.
func NewReconciler(gw Gateway, store staging.Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		gw:            gw,
		staging:       store,
		logger:        logger,
		now:           time.Now,
		parentRetries: 3,
		retryBackoff:  500 * time.Millisecond,
	}
}

// HandleDeviceLinked processes one provider callback for a pairing id.
//
// First callback for an unseen pairing id: the staged form data is required
// (its absence is a hard failure), a ChannelSession is created in connected
// state from the callback's account info, a ParentSession is created from
// the staged form, and the staged data is deleted best-effort.
//
// Callback for a known pairing id: the ChannelSession's mutable fields are
// patched with whatever the callback actually carried, and the referencing
// ParentSession is flipped to activo. A missing ParentSession left behind
// by an earlier partial reconciliation is created here if the staged data
// still exists.
func (r *Reconciler) HandleDeviceLinked(ctx context.Context, pairingID string, info models.AccountInfo) error {
	if pairingID == "" {
		return newError(KindInvalidInput, "", "callback sin pairing id", nil)
	}

	existing, err := r.gw.FindChannelSessionByPairingID(ctx, pairingID)
	if err != nil {
		return fmt.Errorf("lookup channel session %s: %w", pairingID, err)
	}

	if existing == nil {
		return r.firstConnect(ctx, pairingID, info)
	}
	return r.reconnect(ctx, existing, info)
}

func (r *Reconciler) firstConnect(ctx context.Context, pairingID string, info models.AccountInfo) error {
	staged, err := r.staging.Get(ctx, pairingID)
	if errors.Is(err, staging.ErrNotFound) {
		return newError(KindStagingExpiredOrMissing, pairingID,
			"el emparejamiento expiró o fue cancelado, vuelve a iniciar", err)
	}
	if err != nil {
		return fmt.Errorf("read staged data for %s: %w", pairingID, err)
	}

	if info.PhoneNumber == nil || *info.PhoneNumber == "" {
		return newError(KindInvalidInput, pairingID,
			"el callback no incluye el identificador de la cuenta", nil)
	}

	session := models.ChannelSession{
		PairingID:   pairingID,
		Status:      models.ChannelStatusConnected,
		PhoneNumber: *info.PhoneNumber,
		LastSeen:    r.now().UTC(),
	}
	if info.LastSeen != nil {
		session.LastSeen = *info.LastSeen
	}
	if info.AuthLocation != nil {
		session.AuthLocation = *info.AuthLocation
	}

	created, createErr := r.gw.CreateChannelSession(ctx, session)
	if createErr != nil || created == nil {
		// Either the backend returned no representation, or a concurrent
		// callback for the same pairing id won the unique-index race.
		// Both resolve the same way: whoever created it, the session with
		// this pairing id is the one we continue with.
		refetched, ferr := r.gw.FindChannelSessionByPairingID(ctx, pairingID)
		if ferr != nil {
			return fmt.Errorf("refetch channel session %s: %w", pairingID, ferr)
		}
		if refetched == nil {
			return fmt.Errorf("create channel session %s: %w", pairingID, createErr)
		}
		if createErr != nil {
			r.logger.Debug().Str("pairing_id", pairingID).
				Msg("channel session already created by concurrent callback")
		}
		created = refetched
	}

	return r.ensureParent(ctx, created, staged)
}

func (r *Reconciler) reconnect(ctx context.Context, session *models.ChannelSession, info models.AccountInfo) error {
	// Partial update: only overwrite fields the callback actually carried.
	patch := map[string]any{
		"status": models.ChannelStatusConnected,
	}
	if info.PhoneNumber != nil {
		patch["phone_number"] = *info.PhoneNumber
	}
	if info.LastSeen != nil {
		patch["last_seen"] = *info.LastSeen
	}
	if info.AuthLocation != nil {
		patch["auth_location"] = *info.AuthLocation
	}

	if err := r.gw.UpdateChannelSession(ctx, session.ID, patch); err != nil {
		return fmt.Errorf("update channel session %s: %w", session.PairingID, err)
	}

	parent, err := r.gw.FindParentSessionByChannelSessionID(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("lookup parent session for channel %d: %w", session.ID, err)
	}

	if parent == nil {
		// An earlier callback created the ChannelSession but not the
		// ParentSession. Self-heal from the staged data while it lives.
		staged, err := r.staging.Get(ctx, session.PairingID)
		if errors.Is(err, staging.ErrNotFound) {
			return newError(KindPartialReconciliation, session.PairingID,
				"la sesión del canal existe pero la sesión CRM no pudo crearse y el formulario ya expiró", err)
		}
		if err != nil {
			return fmt.Errorf("read staged data for %s: %w", session.PairingID, err)
		}
		return r.ensureParent(ctx, session, staged)
	}

	if parent.Estado != models.EstadoActivo {
		if err := r.gw.UpdateParentSession(ctx, parent.ID, map[string]any{"estado": models.EstadoActivo}); err != nil {
			return fmt.Errorf("activate parent session %d: %w", parent.ID, err)
		}
	}

	r.logger.Info().Str("pairing_id", session.PairingID).Uint("channel_session_id", session.ID).
		Msg("channel session reconnected")
	return nil
}

// ensureParent guarantees the 1:1 ParentSession for a connected
// ChannelSession, creating it from the staged form data when needed, then
// consumes the staged data.
func (r *Reconciler) ensureParent(ctx context.Context, session *models.ChannelSession, staged *models.PairingSession) error {
	existing, err := r.gw.FindParentSessionByChannelSessionID(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("lookup parent session for channel %d: %w", session.ID, err)
	}
	if existing != nil {
		// A concurrent callback already finished reconciliation.
		if existing.Estado != models.EstadoActivo {
			if err := r.gw.UpdateParentSession(ctx, existing.ID, map[string]any{"estado": models.EstadoActivo}); err != nil {
				return fmt.Errorf("activate parent session %d: %w", existing.ID, err)
			}
		}
		r.deleteStaged(ctx, session.PairingID)
		return nil
	}

	parent := models.ParentSession{
		Nombre:           staged.FormData.Nombre,
		Descripcion:      staged.FormData.Descripcion,
		EmbudoID:         staged.FormData.EmbudoID,
		UserID:           staged.FormData.UserID,
		Estado:           models.EstadoActivo,
		ChannelSessionID: session.ID,
	}

	if createErr := r.createParentWithRetry(ctx, session, parent); createErr != nil {
		// Leave a marker so operators and later callbacks can tell this
		// ChannelSession still lacks its ParentSession.
		if err := r.gw.UpdateChannelSession(ctx, session.ID, map[string]any{"reconcile_pending": true}); err != nil {
			r.logger.Error().Err(err).Str("pairing_id", session.PairingID).
				Msg("failed to mark channel session reconcile_pending")
		}
		return newError(KindPartialReconciliation, session.PairingID,
			"la cuenta quedó vinculada pero la sesión CRM no pudo crearse", createErr)
	}

	if session.ReconcilePending {
		if err := r.gw.UpdateChannelSession(ctx, session.ID, map[string]any{"reconcile_pending": false}); err != nil {
			r.logger.Warn().Err(err).Str("pairing_id", session.PairingID).
				Msg("failed to clear reconcile_pending")
		}
	}

	r.deleteStaged(ctx, session.PairingID)

	r.logger.Info().Str("pairing_id", session.PairingID).Uint("channel_session_id", session.ID).
		Str("nombre", staged.FormData.Nombre).Msg("pairing reconciled")
	return nil
}

// createParentWithRetry creates the ParentSession, retrying with backoff.
// A concurrent callback winning the unique-index race on
// channel_session_id counts as success.
func (r *Reconciler) createParentWithRetry(ctx context.Context, session *models.ChannelSession, parent models.ParentSession) error {
	var lastErr error
	for attempt := 0; attempt <= r.parentRetries; attempt++ {
		_, err := r.gw.CreateParentSession(ctx, parent)
		if err == nil {
			return nil
		}
		if again, ferr := r.gw.FindParentSessionByChannelSessionID(ctx, session.ID); ferr == nil && again != nil {
			return nil
		}

		lastErr = err
		r.logger.Warn().Err(err).Str("pairing_id", session.PairingID).Int("attempt", attempt+1).
			Msg("parent session creation failed")

		if attempt == r.parentRetries {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(r.retryBackoff * time.Duration(attempt+1)):
		}
	}
	return lastErr
}

// deleteStaged removes consumed staging data. Best effort: the store's TTL
// garbage-collects anything a failed delete leaves behind.
func (r *Reconciler) deleteStaged(ctx context.Context, pairingID string) {
	if err := r.staging.Delete(ctx, pairingID); err != nil {
		r.logger.Warn().Err(err).Str("pairing_id", pairingID).Msg("failed to delete staged data")
	}
}
