package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"back_crm/internal/models"
	"back_crm/internal/pairing"
	"back_crm/internal/services"
	"back_crm/internal/staging"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	pairingID string
}

func (p *stubProvider) RequestQR(_ context.Context) (*pairing.QRResponse, error) {
	return &pairing.QRResponse{QRPayload: "data:image/png;base64,abc", PairingID: p.pairingID}, nil
}

// stubGateway is a minimal in-memory resource backend for handler tests.
type stubGateway struct {
	mu       sync.Mutex
	channels map[string]*models.ChannelSession
	parents  map[uint]*models.ParentSession
	nextID   uint
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		channels: make(map[string]*models.ChannelSession),
		parents:  make(map[uint]*models.ParentSession),
		nextID:   1,
	}
}

func (g *stubGateway) FindChannelSessionByPairingID(_ context.Context, pairingID string) (*models.ChannelSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.channels[pairingID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (g *stubGateway) CreateChannelSession(_ context.Context, session models.ChannelSession) (*models.ChannelSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session.ID = g.nextID
	g.nextID++
	g.channels[session.PairingID] = &session
	copied := session
	return &copied, nil
}

func (g *stubGateway) UpdateChannelSession(_ context.Context, id uint, patch map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.channels {
		if s.ID == id {
			if status, ok := patch["status"].(string); ok {
				s.Status = status
			}
			return nil
		}
	}
	return nil
}

func (g *stubGateway) FindParentSessionByChannelSessionID(_ context.Context, channelSessionID uint) (*models.ParentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.parents {
		if p.ChannelSessionID == channelSessionID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (g *stubGateway) CreateParentSession(_ context.Context, session models.ParentSession) (*models.ParentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session.ID = g.nextID
	g.nextID++
	g.parents[session.ID] = &session
	copied := session
	return &copied, nil
}

func (g *stubGateway) UpdateParentSession(_ context.Context, id uint, patch map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.parents[id]; ok {
		if estado, ok := patch["estado"].(string); ok {
			p.Estado = estado
		}
	}
	return nil
}

func newTestRouter(t *testing.T) (*mux.Router, *pairing.Manager, staging.Store) {
	t.Helper()
	logger := zerolog.Nop()
	store := staging.NewMemoryStore()
	gw := newStubGateway()

	initiator := pairing.NewInitiator(&stubProvider{pairingID: "P1"}, store, logger)
	reconciler := pairing.NewReconciler(gw, store, logger)
	poller := pairing.NewPoller(gw, store, logger)
	poller.Interval = 5 * time.Millisecond

	manager := pairing.NewManager(initiator, reconciler, poller, store, logger)
	t.Cleanup(manager.Shutdown)

	r := mux.NewRouter()
	auth := &services.AuthService{}
	NewPairingHandler(manager, auth, logger).RegisterRoutes(r)
	NewStagingHandler(store, auth, logger).RegisterRoutes(r)
	return r, manager, store
}

func authToken(t *testing.T) string {
	t.Helper()
	token, err := (&services.AuthService{}).GenerateToken(3, "operador", "user")
	require.NoError(t, err)
	return token
}

func TestStartPairing_RequiresAuth(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/pairing/start", bytes.NewBufferString(`{"nombre":"Sales WA"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartPairing_Success(t *testing.T) {
	router, _, store := newTestRouter(t)

	body := `{"nombre":"Sales WA","embudo_id":7}`
	req := httptest.NewRequest(http.MethodPost, "/api/pairing/start", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+authToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Success bool                `json:"success"`
		Data    pairing.StartResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "P1", resp.Data.PairingID)
	assert.Equal(t, pairing.StateScanning, resp.Data.State)
	assert.NotEmpty(t, resp.Data.QRPayload)

	// The form is staged under the pairing id with the token's user.
	staged, err := store.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, uint(3), staged.FormData.UserID)
}

func TestStartPairing_InvalidForm(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/pairing/start", bytes.NewBufferString(`{"embudo_id":7}`))
	req.Header.Set("Authorization", "Bearer "+authToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStatus_UnknownPairing(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/pairing/nope/status", nil)
	req.Header.Set("Authorization", "Bearer "+authToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPairing(t *testing.T) {
	router, _, _ := newTestRouter(t)
	token := authToken(t)

	req := httptest.NewRequest(http.MethodPost, "/api/pairing/start", bytes.NewBufferString(`{"nombre":"Sales WA"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/pairing/P1/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/pairing/P1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp struct {
		Data pairing.AttemptStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pairing.StateError, resp.Data.State)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestDeviceLinkedCallback_InvalidSignature(t *testing.T) {
	t.Setenv("CALLBACK_SECRET", "topsecret")
	router, _, _ := newTestRouter(t)

	body := []byte(`{"pairingId":"P1","accountIdentifier":"+100"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/device-linked", bytes.NewBuffer(body))
	req.Header.Set("X-Callback-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceLinkedCallback_Success(t *testing.T) {
	t.Setenv("CALLBACK_SECRET", "topsecret")
	router, _, store := newTestRouter(t)

	require.NoError(t, store.Put(context.Background(), models.PairingSession{
		PairingID: "P1",
		FormData:  models.PairingForm{Nombre: "Sales WA", EmbudoID: 7, UserID: 3},
		CreatedAt: time.Now().UTC(),
	}))

	body := []byte(`{"pairingId":"P1","accountIdentifier":"+100"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/device-linked", bytes.NewBuffer(body))
	req.Header.Set("X-Callback-Signature", signBody("topsecret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceLinkedCallback_ExpiredStaging(t *testing.T) {
	t.Setenv("CALLBACK_SECRET", "topsecret")
	router, _, _ := newTestRouter(t)

	body := []byte(`{"pairingId":"P404","accountIdentifier":"+100"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/device-linked", bytes.NewBuffer(body))
	req.Header.Set("X-Callback-Signature", signBody("topsecret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestStagingAPI_RoundTrip(t *testing.T) {
	router, _, _ := newTestRouter(t)
	token := authToken(t)

	body := `{"nombre":"Sales WA","embudo_id":7,"user_id":3}`
	req := httptest.NewRequest(http.MethodPut, "/api/staging/P7", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/staging/P7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data models.PairingSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Sales WA", resp.Data.FormData.Nombre)

	req = httptest.NewRequest(http.MethodDelete, "/api/staging/P7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/staging/P7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
