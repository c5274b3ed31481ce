package pairing

import (
	"context"
	"time"

	"back_crm/internal/models"
	"back_crm/internal/staging"

	"github.com/rs/zerolog"
)

// Default poll cadence and wall-clock deadline for one pairing attempt.
const (
	DefaultPollInterval = 3 * time.Second
	DefaultPollDeadline = 5 * time.Minute
)

// Update is one observation emitted by the poller. Message is only set on
// terminal error updates and is safe to show to the operator; Err carries
// the classified failure for logging.
type Update struct {
	State   State
	Message string
	Err     error
}

// Poller observes reconciliation progress for one pairing attempt. It is a
// cooperative loop: one goroutine per attempt, no shared worker pool, and
// it talks to the reconciler only through the entities both read and write
// via the gateway.
type Poller struct {
	gw      Gateway
	staging staging.Store
	logger  zerolog.Logger

	Interval time.Duration
	Deadline time.Duration
}

// NewPoller creates a Poller with the default cadence.
func NewPoller(gw Gateway, store staging.Store, logger zerolog.Logger) *Poller {
	return &Poller{
		gw:       gw,
		staging:  store,
		logger:   logger,
		Interval: DefaultPollInterval,
		Deadline: DefaultPollDeadline,
	}
}

// PollForCompletion polls until the pairing is fully reconciled, the
// deadline (measured from startedAt) passes, or ctx is cancelled. The
// returned channel emits state changes and closes after a terminal update
// or cancellation.
//
// A tick declares connected only when both stages hold: the ChannelSession
// is connected with a populated account identifier, and the ParentSession
// referencing it is activo. The reconciler writes the two entities in
// sequence, so the first stage alone is not success. A failed read on a
// tick is logged and retried on the next tick.
func (p *Poller) PollForCompletion(ctx context.Context, pairingID string, startedAt time.Time) <-chan Update {
	updates := make(chan Update, 4)

	go func() {
		defer close(updates)

		deadline := time.NewTimer(time.Until(startedAt.Add(p.Deadline)))
		defer deadline.Stop()

		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()

		last := StateScanning
		updates <- Update{State: StateScanning}

		for {
			select {
			case <-ctx.Done():
				return

			case <-deadline.C:
				p.logger.Warn().Str("pairing_id", pairingID).Msg("pairing confirmation timed out")
				// The device may never have been scanned; drop the staged
				// form so the pairing id cannot be consumed later.
				if err := p.staging.Delete(ctx, pairingID); err != nil {
					p.logger.Warn().Err(err).Str("pairing_id", pairingID).Msg("timeout staging cleanup failed")
				}
				timeoutErr := newError(KindPollTimeout, pairingID,
					"no se confirmó la vinculación a tiempo, vuelve a escanear el código", nil)
				updates <- Update{
					State:   StateError,
					Message: timeoutErr.Reason,
					Err:     timeoutErr,
				}
				return

			case <-ticker.C:
				state, err := p.checkOnce(ctx, pairingID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					// Transient: keep observing until the deadline.
					p.logger.Warn().Err(err).Str("pairing_id", pairingID).Msg("poll tick failed")
					continue
				}
				if state != last {
					last = state
					updates <- Update{State: state}
				}
				if state == StateConnected {
					p.logger.Info().Str("pairing_id", pairingID).Msg("pairing confirmed")
					return
				}
			}
		}
	}()

	return updates
}

func (p *Poller) checkOnce(ctx context.Context, pairingID string) (State, error) {
	session, err := p.gw.FindChannelSessionByPairingID(ctx, pairingID)
	if err != nil {
		return StateScanning, newError(KindTransientReadFailure, pairingID, "channel session read failed", err)
	}
	if session == nil || session.Status != models.ChannelStatusConnected || session.PhoneNumber == "" {
		return StateScanning, nil
	}

	parent, err := p.gw.FindParentSessionByChannelSessionID(ctx, session.ID)
	if err != nil {
		return StateScanning, newError(KindTransientReadFailure, pairingID, "parent session read failed", err)
	}
	if parent == nil || parent.Estado != models.EstadoActivo || parent.ChannelSessionID != session.ID {
		return StateScanning, nil
	}

	return StateConnected, nil
}
