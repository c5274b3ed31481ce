package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"back_crm/internal/models"
	"back_crm/internal/pairing"
	"back_crm/internal/services"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// PairingHandler exposes the pairing flow to the CRM frontend and the
// device-linked callback to the channel provider.
type PairingHandler struct {
	manager *pairing.Manager
	auth    *services.AuthService
	logger  zerolog.Logger
}

func NewPairingHandler(manager *pairing.Manager, auth *services.AuthService, logger zerolog.Logger) *PairingHandler {
	return &PairingHandler{
		manager: manager,
		auth:    auth,
		logger:  logger,
	}
}

// RegisterRoutes mounts the pairing endpoints on the router.
func (ph *PairingHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/pairing/start", ph.requireAuth(ph.StartPairing)).Methods("POST")
	r.HandleFunc("/api/pairing/{pairingId}/status", ph.requireAuth(ph.GetStatus)).Methods("GET")
	r.HandleFunc("/api/pairing/{pairingId}/resume", ph.requireAuth(ph.ResumePairing)).Methods("POST")
	r.HandleFunc("/api/pairing/{pairingId}/cancel", ph.requireAuth(ph.CancelPairing)).Methods("POST")
	r.HandleFunc("/api/callbacks/device-linked", ph.HandleDeviceLinked).Methods("POST")
}

// StartPairing handles POST /api/pairing/start
func (ph *PairingHandler) StartPairing(w http.ResponseWriter, r *http.Request, claims *services.JWTClaims) {
	var form models.PairingForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	form.UserID = claims.UserID

	res, err := ph.manager.StartPairing(r.Context(), form)
	if err != nil {
		// A staging failure after the QR was obtained still returns the
		// partial result so the frontend can show the QR and offer resume.
		if pairing.IsKind(err, pairing.KindStagingWriteFailed) && res != nil {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"success": false,
				"error":   userReason(err),
				"data":    res,
			})
			return
		}
		ph.writePairingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    res,
	})
}

// GetStatus handles GET /api/pairing/{pairingId}/status
func (ph *PairingHandler) GetStatus(w http.ResponseWriter, r *http.Request, _ *services.JWTClaims) {
	pairingID := mux.Vars(r)["pairingId"]

	status, ok := ph.manager.Status(pairingID)
	if !ok {
		writeError(w, http.StatusNotFound, "emparejamiento no encontrado")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    status,
	})
}

// ResumePairing handles POST /api/pairing/{pairingId}/resume
func (ph *PairingHandler) ResumePairing(w http.ResponseWriter, r *http.Request, _ *services.JWTClaims) {
	pairingID := mux.Vars(r)["pairingId"]

	if err := ph.manager.ResumePairing(r.Context(), pairingID); err != nil {
		ph.writePairingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "emparejamiento reanudado",
	})
}

// CancelPairing handles POST /api/pairing/{pairingId}/cancel
func (ph *PairingHandler) CancelPairing(w http.ResponseWriter, r *http.Request, _ *services.JWTClaims) {
	pairingID := mux.Vars(r)["pairingId"]

	if err := ph.manager.CancelPairing(r.Context(), pairingID); err != nil {
		writeError(w, http.StatusNotFound, "emparejamiento no encontrado")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "emparejamiento cancelado",
	})
}

// HandleDeviceLinked handles POST /api/callbacks/device-linked from the
// channel provider. The signature covers the raw body; the payload is
// decoded only after verification.
func (ph *PairingHandler) HandleDeviceLinked(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if !verifyCallbackSignature(body, r.Header.Get("X-Callback-Signature")) {
		ph.logger.Warn().Msg("device-linked callback with invalid signature")
		writeError(w, http.StatusUnauthorized, "invalid callback signature")
		return
	}

	var payload models.DeviceLinkedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload")
		return
	}

	if err := ph.manager.HandleDeviceLinked(r.Context(), payload.PairingID, payload.AccountInfo); err != nil {
		ph.logger.Error().Err(err).Str("pairing_id", payload.PairingID).Msg("callback reconciliation failed")
		ph.writePairingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// requireAuth wraps a handler with bearer-token validation.
func (ph *PairingHandler) requireAuth(next func(http.ResponseWriter, *http.Request, *services.JWTClaims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := ph.auth.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}

		next(w, r, claims)
	}
}

func (ph *PairingHandler) writePairingError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case pairing.IsKind(err, pairing.KindInvalidInput):
		status = http.StatusBadRequest
	case pairing.IsKind(err, pairing.KindProviderUnavailable):
		status = http.StatusServiceUnavailable
	case pairing.IsKind(err, pairing.KindStagingExpiredOrMissing):
		status = http.StatusGone
	case pairing.IsKind(err, pairing.KindStagingWriteFailed):
		status = http.StatusBadGateway
	}

	writeError(w, status, userReason(err))
}

// userReason extracts the operator-facing message from a pairing error.
func userReason(err error) string {
	var pe *pairing.Error
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return "error interno"
}

// verifyCallbackSignature checks the HMAC-SHA256 hex signature of the raw
// body against CALLBACK_SECRET. An unset secret accepts everything, which
// is only suitable for local development.
func verifyCallbackSignature(payload []byte, signature string) bool {
	secret := os.Getenv("CALLBACK_SECRET")
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
