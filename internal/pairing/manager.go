package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"back_crm/internal/models"
	"back_crm/internal/staging"

	"github.com/rs/zerolog"
)

// DefaultAttemptRetention is how long a finished attempt stays readable
// through Status before it is dropped from the registry.
const DefaultAttemptRetention = 15 * time.Minute

// Manager tracks active pairing attempts. Each attempt owns one poller
// loop; attempts for different pairing ids never interact. The manager is
// also the in-process sink for device-linked confirmations, so both the
// HTTP callback and the embedded provider reconcile through the same path.
type Manager struct {
	initiator  *Initiator
	reconciler *Reconciler
	poller     *Poller
	staging    staging.Store
	logger     zerolog.Logger

	Retention time.Duration

	mu       sync.RWMutex
	attempts map[string]*attempt
}

type attempt struct {
	pairingID string
	qrPayload string
	form      models.PairingForm
	machine   *StateMachine

	mu        sync.RWMutex
	cancel    context.CancelFunc
	cancelled bool
	startedAt time.Time
	message   string
}

// stop cancels the attempt's poller, if one is running, and marks the
// attempt so an observer that has not assigned its cancel yet will not
// start polling.
func (a *attempt) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancelled = true
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// AttemptStatus is the state the pairing dialog polls for.
type AttemptStatus struct {
	PairingID string `json:"pairing_id"`
	State     State  `json:"state"`
	Message   string `json:"message,omitempty"`
}

// NewManager creates a pairing Manager.
func NewManager(initiator *Initiator, reconciler *Reconciler, poller *Poller, store staging.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		initiator:  initiator,
		reconciler: reconciler,
		poller:     poller,
		staging:    store,
		logger:     logger,
		Retention:  DefaultAttemptRetention,
		attempts:   make(map[string]*attempt),
	}
}

// StartPairing initiates a new attempt and starts observing it.
//
// On a staging write failure the QR is already valid provider-side, so the
// attempt is still registered (in error state, with the form kept) and the
// partial result is returned alongside the error; ResumePairing can then
// retry without a new QR.
func (m *Manager) StartPairing(ctx context.Context, form models.PairingForm) (*StartResult, error) {
	res, err := m.initiator.StartPairing(ctx, form)
	if err != nil {
		if res != nil && IsKind(err, KindStagingWriteFailed) {
			att := m.register(res.PairingID, res.QRPayload, form)
			att.machine.TransitionTo(StateError)
			att.setMessage("no se pudo guardar el formulario, reintenta")
			m.scheduleEvict(att)
			return res, err
		}
		return nil, err
	}

	att := m.register(res.PairingID, res.QRPayload, form)
	att.machine.TransitionTo(StateScanning)
	m.observe(att)

	return res, nil
}

// ResumePairing retries an attempt that failed after its QR was obtained:
// only staging and the post-QR confirmation are redone, with a fresh poll
// deadline. The QR itself is not regenerated.
func (m *Manager) ResumePairing(ctx context.Context, pairingID string) error {
	att, ok := m.get(pairingID)
	if !ok {
		return fmt.Errorf("no pairing attempt for %s", pairingID)
	}
	if att.machine.Current() != StateError {
		return fmt.Errorf("pairing %s is %s, only failed attempts can be resumed", pairingID, att.machine.Current())
	}

	if err := m.initiator.ResumeStaging(ctx, pairingID, att.form); err != nil {
		return err
	}
	if err := att.machine.TransitionTo(StateScanning); err != nil {
		return err
	}

	att.mu.Lock()
	att.cancelled = false
	att.mu.Unlock()

	att.setMessage("")
	m.observe(att)

	m.logger.Info().Str("pairing_id", pairingID).Msg("pairing resumed")
	return nil
}

// CancelPairing stops observing an attempt and drops its staged data. A
// provider callback already in flight is not cancelled; if it lands later
// the reconciler still completes and leaves the entities consistent.
func (m *Manager) CancelPairing(ctx context.Context, pairingID string) error {
	att, ok := m.get(pairingID)
	if !ok {
		return fmt.Errorf("no pairing attempt for %s", pairingID)
	}

	att.stop()
	att.machine.TransitionTo(StateError)
	att.setMessage("emparejamiento cancelado")

	if err := m.staging.Delete(ctx, pairingID); err != nil {
		m.logger.Warn().Err(err).Str("pairing_id", pairingID).Msg("cancel staging cleanup failed")
	}

	m.logger.Info().Str("pairing_id", pairingID).Msg("pairing cancelled")
	return nil
}

// Status returns the current state of an attempt.
func (m *Manager) Status(pairingID string) (*AttemptStatus, bool) {
	att, ok := m.get(pairingID)
	if !ok {
		return nil, false
	}

	att.mu.RLock()
	message := att.message
	att.mu.RUnlock()

	return &AttemptStatus{
		PairingID: pairingID,
		State:     att.machine.Current(),
		Message:   message,
	}, true
}

// HandleDeviceLinked reconciles a device-linked confirmation. Safe to call
// for pairings this manager never started watching; a late callback after
// the operator gave up still lands the entities in a connected state.
func (m *Manager) HandleDeviceLinked(ctx context.Context, pairingID string, info models.AccountInfo) error {
	return m.reconciler.HandleDeviceLinked(ctx, pairingID, info)
}

// Shutdown stops all pollers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, att := range m.attempts {
		att.stop()
	}
}

// scheduleEvict drops a finished attempt from the registry after the
// retention window, so the frontend can still read the terminal state for
// a while without the map growing forever. A resumed attempt is back in
// scanning by then and is left alone; its next terminal transition
// schedules a fresh eviction.
func (m *Manager) scheduleEvict(att *attempt) {
	time.AfterFunc(m.Retention, func() {
		switch att.machine.Current() {
		case StateConnected, StateError:
		default:
			return
		}

		m.mu.Lock()
		if current, ok := m.attempts[att.pairingID]; ok && current == att {
			delete(m.attempts, att.pairingID)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) register(pairingID, qrPayload string, form models.PairingForm) *attempt {
	att := &attempt{
		pairingID: pairingID,
		qrPayload: qrPayload,
		form:      form,
		machine:   NewStateMachine(),
		startedAt: time.Now(),
	}

	m.mu.Lock()
	m.attempts[pairingID] = att
	m.mu.Unlock()

	return att
}

func (m *Manager) get(pairingID string) (*attempt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	att, ok := m.attempts[pairingID]
	return att, ok
}

// observe consumes the poller's updates for an attempt until it reaches a
// terminal state. The poll context outlives the initiating request. A
// cancel that raced ahead of this call wins: no poller is started.
func (m *Manager) observe(att *attempt) {
	ctx, cancel := context.WithCancel(context.Background())

	att.mu.Lock()
	if att.cancelled {
		att.mu.Unlock()
		cancel()
		return
	}
	att.cancel = cancel
	att.startedAt = time.Now()
	startedAt := att.startedAt
	att.mu.Unlock()

	updates := m.poller.PollForCompletion(ctx, att.pairingID, startedAt)

	go func() {
		defer cancel()
		for update := range updates {
			if update.Err != nil {
				m.logger.Error().Err(update.Err).Str("pairing_id", att.pairingID).Msg("pairing attempt failed")
			}
			if err := att.machine.TransitionTo(update.State); err != nil {
				m.logger.Warn().Err(err).Str("pairing_id", att.pairingID).Msg("dropping poll update")
				continue
			}
			if update.Message != "" {
				att.setMessage(update.Message)
			}
		}
		m.scheduleEvict(att)
	}()
}

func (a *attempt) setMessage(message string) {
	a.mu.Lock()
	a.message = message
	a.mu.Unlock()
}
