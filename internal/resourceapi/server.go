package resourceapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"back_crm/internal/gateway"
	"back_crm/internal/models"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Columns each kind may be filtered or patched by. Anything else in a
// request is rejected rather than passed through to the database.
var (
	channelSessionColumns = map[string]bool{
		"pairing_id": true, "status": true, "phone_number": true,
		"last_seen": true, "auth_location": true, "reconcile_pending": true,
	}
	parentSessionColumns = map[string]bool{
		"nombre": true, "descripcion": true, "embudo_id": true,
		"user_id": true, "estado": true, "channel_session_id": true,
	}
)

// Server is the reference implementation of the backing resource API the
// gateway talks to. Production deployments may point the gateway at an
// external resource store instead.
type Server struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewServer creates a resource API server over the given database.
func NewServer(db *gorm.DB, logger zerolog.Logger) *Server {
	return &Server{db: db, logger: logger}
}

// RegisterRoutes mounts the generic resource endpoints on the router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/resources/{kind}", s.HandleCreate).Methods("POST")
	r.HandleFunc("/api/resources/{kind}", s.HandleGetByFilter).Methods("GET")
	r.HandleFunc("/api/resources/{kind}/{id}", s.HandleUpdate).Methods("PATCH")
	r.HandleFunc("/api/resources/{kind}/{id}", s.HandleDelete).Methods("DELETE")
}

func writeResult(w http.ResponseWriter, status int, res gateway.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResult(w, status, gateway.Result{Success: false, Error: msg})
}

// HandleCreate handles POST /api/resources/{kind}
func (s *Server) HandleCreate(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]

	switch kind {
	case gateway.KindChannelSession:
		var session models.ChannelSession
		if err := json.NewDecoder(r.Body).Decode(&session); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if session.PairingID == "" {
			writeError(w, http.StatusBadRequest, "pairing_id is required")
			return
		}
		session.ID = 0
		if err := s.db.Create(&session).Error; err != nil {
			s.logger.Error().Err(err).Str("kind", kind).Msg("create failed")
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		data, _ := json.Marshal(session)
		writeResult(w, http.StatusCreated, gateway.Result{Success: true, Data: data})

	case gateway.KindParentSession:
		var session models.ParentSession
		if err := json.NewDecoder(r.Body).Decode(&session); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if session.ChannelSessionID == 0 {
			writeError(w, http.StatusBadRequest, "channel_session_id is required")
			return
		}
		session.ID = 0
		session.ChannelSession = models.ChannelSession{}
		if err := s.db.Create(&session).Error; err != nil {
			s.logger.Error().Err(err).Str("kind", kind).Msg("create failed")
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		data, _ := json.Marshal(session)
		writeResult(w, http.StatusCreated, gateway.Result{Success: true, Data: data})

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource kind %q", kind))
	}
}

// HandleGetByFilter handles GET /api/resources/{kind}?col=value
func (s *Server) HandleGetByFilter(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]

	columns, ok := filterableColumns(kind)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource kind %q", kind))
		return
	}

	query := s.db
	for key, values := range r.URL.Query() {
		if key == "id" {
			query = query.Where("id = ?", values[0])
			continue
		}
		if !columns[key] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot filter %s by %q", kind, key))
			return
		}
		query = query.Where(fmt.Sprintf("%s = ?", key), values[0])
	}

	var data []byte
	switch kind {
	case gateway.KindChannelSession:
		var sessions []models.ChannelSession
		if err := query.Find(&sessions).Error; err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		data, _ = json.Marshal(sessions)
	case gateway.KindParentSession:
		var sessions []models.ParentSession
		if err := query.Find(&sessions).Error; err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		data, _ = json.Marshal(sessions)
	}

	writeResult(w, http.StatusOK, gateway.Result{Success: true, Data: data})
}

// HandleUpdate handles PATCH /api/resources/{kind}/{id} with partial payloads.
func (s *Server) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := vars["kind"]

	id, err := strconv.ParseUint(vars["id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}

	columns, ok := filterableColumns(kind)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource kind %q", kind))
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for key := range patch {
		if !columns[key] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot update %s field %q", kind, key))
			return
		}
	}
	// pairing_id is immutable once set
	if kind == gateway.KindChannelSession {
		delete(patch, "pairing_id")
	}
	if len(patch) == 0 {
		writeResult(w, http.StatusOK, gateway.Result{Success: true})
		return
	}

	model, _ := modelForKind(kind)
	tx := s.db.Model(model).Where("id = ?", id).Updates(patch)
	if tx.Error != nil {
		writeError(w, http.StatusInternalServerError, tx.Error.Error())
		return
	}
	if tx.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %d not found", kind, id))
		return
	}

	writeResult(w, http.StatusOK, gateway.Result{Success: true})
}

// HandleDelete handles DELETE /api/resources/{kind}/{id}
func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := vars["kind"]

	id, err := strconv.ParseUint(vars["id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}

	model, ok := modelForKind(kind)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource kind %q", kind))
		return
	}

	if err := s.db.Where("id = ?", id).Delete(model).Error; err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeResult(w, http.StatusOK, gateway.Result{Success: true})
}

func filterableColumns(kind string) (map[string]bool, bool) {
	switch kind {
	case gateway.KindChannelSession:
		return channelSessionColumns, true
	case gateway.KindParentSession:
		return parentSessionColumns, true
	}
	return nil, false
}

func modelForKind(kind string) (any, bool) {
	switch kind {
	case gateway.KindChannelSession:
		return &models.ChannelSession{}, true
	case gateway.KindParentSession:
		return &models.ParentSession{}, true
	}
	return nil, false
}
