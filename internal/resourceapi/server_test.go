package resourceapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"back_crm/internal/gateway"
	"back_crm/internal/models"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestClient(t *testing.T) *gateway.Client {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ChannelSession{}, &models.ParentSession{}))

	r := mux.NewRouter()
	NewServer(db, zerolog.Nop()).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return gateway.NewClient(srv.URL, zerolog.Nop())
}

func TestChannelSessionLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	found, err := client.FindChannelSessionByPairingID(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, found)

	created, err := client.CreateChannelSession(ctx, models.ChannelSession{
		PairingID:   "P1",
		Status:      models.ChannelStatusConnected,
		PhoneNumber: "+100",
		LastSeen:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.NotZero(t, created.ID)

	found, err = client.FindChannelSessionByPairingID(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "+100", found.PhoneNumber)

	require.NoError(t, client.UpdateChannelSession(ctx, created.ID, map[string]any{
		"status": models.ChannelStatusDisconnected,
	}))

	found, err = client.FindChannelSessionByPairingID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelStatusDisconnected, found.Status)
}

func TestChannelSessionPairingIDUnique(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.CreateChannelSession(ctx, models.ChannelSession{
		PairingID: "P1", Status: models.ChannelStatusConnected, PhoneNumber: "+100",
	})
	require.NoError(t, err)

	_, err = client.CreateChannelSession(ctx, models.ChannelSession{
		PairingID: "P1", Status: models.ChannelStatusConnected, PhoneNumber: "+200",
	})
	assert.Error(t, err)
}

func TestChannelSessionPairingIDImmutable(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	created, err := client.CreateChannelSession(ctx, models.ChannelSession{
		PairingID: "P1", Status: models.ChannelStatusConnected, PhoneNumber: "+100",
	})
	require.NoError(t, err)

	// The patch is accepted but the pairing_id change is dropped.
	require.NoError(t, client.UpdateChannelSession(ctx, created.ID, map[string]any{
		"pairing_id": "P2",
		"status":     models.ChannelStatusDisconnected,
	}))

	found, err := client.FindChannelSessionByPairingID(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.ChannelStatusDisconnected, found.Status)
}

func TestParentSessionLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	channel, err := client.CreateChannelSession(ctx, models.ChannelSession{
		PairingID: "P1", Status: models.ChannelStatusConnected, PhoneNumber: "+100",
	})
	require.NoError(t, err)

	parent, err := client.CreateParentSession(ctx, models.ParentSession{
		Nombre:           "Sales WA",
		EmbudoID:         7,
		UserID:           3,
		Estado:           models.EstadoActivo,
		ChannelSessionID: channel.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.NotZero(t, parent.ID)

	found, err := client.FindParentSessionByChannelSessionID(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Sales WA", found.Nombre)

	require.NoError(t, client.UpdateParentSession(ctx, parent.ID, map[string]any{
		"estado": models.EstadoDesconectado,
	}))

	found, err = client.FindParentSessionByChannelSessionID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EstadoDesconectado, found.Estado)
}

func TestParentSessionChannelUnique(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	channel, err := client.CreateChannelSession(ctx, models.ChannelSession{
		PairingID: "P1", Status: models.ChannelStatusConnected, PhoneNumber: "+100",
	})
	require.NoError(t, err)

	_, err = client.CreateParentSession(ctx, models.ParentSession{
		Nombre: "Sales WA", Estado: models.EstadoActivo, ChannelSessionID: channel.ID,
	})
	require.NoError(t, err)

	_, err = client.CreateParentSession(ctx, models.ParentSession{
		Nombre: "Other", Estado: models.EstadoActivo, ChannelSessionID: channel.ID,
	})
	assert.Error(t, err)
}

func TestUnknownFilterColumnRejected(t *testing.T) {
	client := newTestClient(t)

	_, err := client.GetByFilter(context.Background(), gateway.KindChannelSession, map[string]string{
		"password": "x",
	})
	assert.Error(t, err)
}

func TestUnknownKindRejected(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Create(context.Background(), "usuarios", map[string]any{"nombre": "x"})
	assert.Error(t, err)
}
