package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"back_crm/internal/models"
	"back_crm/internal/services"
	"back_crm/internal/staging"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// StagingHandler exposes the ephemeral staging store as an internal API,
// for operator tooling and for provider deployments that stage form data
// from outside this process.
type StagingHandler struct {
	store  staging.Store
	auth   *services.AuthService
	logger zerolog.Logger
}

func NewStagingHandler(store staging.Store, auth *services.AuthService, logger zerolog.Logger) *StagingHandler {
	return &StagingHandler{
		store:  store,
		auth:   auth,
		logger: logger,
	}
}

// RegisterRoutes mounts the staging endpoints on the router.
func (sh *StagingHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/staging/{pairingId}", sh.requireAuth(sh.Put)).Methods("PUT")
	r.HandleFunc("/api/staging/{pairingId}", sh.requireAuth(sh.Get)).Methods("GET")
	r.HandleFunc("/api/staging/{pairingId}", sh.requireAuth(sh.Delete)).Methods("DELETE")
}

// Put handles PUT /api/staging/{pairingId}
func (sh *StagingHandler) Put(w http.ResponseWriter, r *http.Request) {
	pairingID := mux.Vars(r)["pairingId"]

	var form models.PairingForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := form.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "formulario incompleto")
		return
	}

	session := models.PairingSession{
		PairingID: pairingID,
		FormData:  form,
		CreatedAt: time.Now().UTC(),
	}
	if err := sh.store.Put(r.Context(), session); err != nil {
		sh.logger.Error().Err(err).Str("pairing_id", pairingID).Msg("staging write failed")
		writeError(w, http.StatusInternalServerError, "no se pudo guardar el formulario")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    session,
	})
}

// Get handles GET /api/staging/{pairingId}
func (sh *StagingHandler) Get(w http.ResponseWriter, r *http.Request) {
	pairingID := mux.Vars(r)["pairingId"]

	session, err := sh.store.Get(r.Context(), pairingID)
	if errors.Is(err, staging.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no hay datos para este emparejamiento")
		return
	}
	if err != nil {
		sh.logger.Error().Err(err).Str("pairing_id", pairingID).Msg("staging read failed")
		writeError(w, http.StatusInternalServerError, "error interno")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    session,
	})
}

// Delete handles DELETE /api/staging/{pairingId}
func (sh *StagingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	pairingID := mux.Vars(r)["pairingId"]

	if err := sh.store.Delete(r.Context(), pairingID); err != nil {
		sh.logger.Error().Err(err).Str("pairing_id", pairingID).Msg("staging delete failed")
		writeError(w, http.StatusInternalServerError, "error interno")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

func (sh *StagingHandler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if _, err := sh.auth.ValidateToken(strings.TrimPrefix(header, "Bearer ")); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}
		next(w, r)
	}
}
