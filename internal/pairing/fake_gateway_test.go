package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"back_crm/internal/models"
)

// fakeGateway is an in-memory resource backend enforcing the same unique
// indexes as the real one: pairing_id on channel sessions and
// channel_session_id on parent sessions.
type fakeGateway struct {
	mu            sync.Mutex
	channels      map[uint]models.ChannelSession
	parents       map[uint]models.ParentSession
	nextChannelID uint
	nextParentID  uint

	// fault injection
	failChannelCreates int
	failParentCreates  int
	failReads          int
	hideChannelOnce    bool
	omitCreateBody     bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		channels:      make(map[uint]models.ChannelSession),
		parents:       make(map[uint]models.ParentSession),
		nextChannelID: 1,
		nextParentID:  1,
	}
}

var errInjectedRead = errors.New("injected read failure")

func (g *fakeGateway) FindChannelSessionByPairingID(_ context.Context, pairingID string) (*models.ChannelSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failReads > 0 {
		g.failReads--
		return nil, errInjectedRead
	}
	if g.hideChannelOnce {
		g.hideChannelOnce = false
		return nil, nil
	}
	for _, session := range g.channels {
		if session.PairingID == pairingID {
			s := session
			return &s, nil
		}
	}
	return nil, nil
}

func (g *fakeGateway) CreateChannelSession(_ context.Context, session models.ChannelSession) (*models.ChannelSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failChannelCreates > 0 {
		g.failChannelCreates--
		return nil, errors.New("injected channel create failure")
	}
	for _, existing := range g.channels {
		if existing.PairingID == session.PairingID {
			return nil, fmt.Errorf("UNIQUE constraint failed: channel_sessions.pairing_id")
		}
	}

	session.ID = g.nextChannelID
	g.nextChannelID++
	g.channels[session.ID] = session

	if g.omitCreateBody {
		return nil, nil
	}
	s := session
	return &s, nil
}

func (g *fakeGateway) UpdateChannelSession(_ context.Context, id uint, patch map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.channels[id]
	if !ok {
		return fmt.Errorf("channel session %d not found", id)
	}
	for key, value := range patch {
		switch key {
		case "status":
			session.Status = value.(string)
		case "phone_number":
			session.PhoneNumber = value.(string)
		case "last_seen":
			session.LastSeen = value.(time.Time)
		case "auth_location":
			session.AuthLocation = value.(string)
		case "reconcile_pending":
			session.ReconcilePending = value.(bool)
		}
	}
	g.channels[id] = session
	return nil
}

func (g *fakeGateway) FindParentSessionByChannelSessionID(_ context.Context, channelSessionID uint) (*models.ParentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failReads > 0 {
		g.failReads--
		return nil, errInjectedRead
	}
	for _, session := range g.parents {
		if session.ChannelSessionID == channelSessionID {
			s := session
			return &s, nil
		}
	}
	return nil, nil
}

func (g *fakeGateway) CreateParentSession(_ context.Context, session models.ParentSession) (*models.ParentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failParentCreates > 0 {
		g.failParentCreates--
		return nil, errors.New("injected parent create failure")
	}
	for _, existing := range g.parents {
		if existing.ChannelSessionID == session.ChannelSessionID {
			return nil, fmt.Errorf("UNIQUE constraint failed: sesiones.channel_session_id")
		}
	}

	session.ID = g.nextParentID
	g.nextParentID++
	g.parents[session.ID] = session

	s := session
	return &s, nil
}

func (g *fakeGateway) UpdateParentSession(_ context.Context, id uint, patch map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.parents[id]
	if !ok {
		return fmt.Errorf("parent session %d not found", id)
	}
	if estado, ok := patch["estado"]; ok {
		session.Estado = estado.(string)
	}
	g.parents[id] = session
	return nil
}

func (g *fakeGateway) channelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels)
}

func (g *fakeGateway) parentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.parents)
}

func (g *fakeGateway) channelByPairingID(pairingID string) (models.ChannelSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, session := range g.channels {
		if session.PairingID == pairingID {
			return session, true
		}
	}
	return models.ChannelSession{}, false
}

func (g *fakeGateway) parentByChannelID(channelSessionID uint) (models.ParentSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, session := range g.parents {
		if session.ChannelSessionID == channelSessionID {
			return session, true
		}
	}
	return models.ParentSession{}, false
}
