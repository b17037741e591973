package ingestion

import (
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/cadence/internal/errors"
	"github.com/zsiec/cadence/internal/ingestion/producer"
	"github.com/zsiec/cadence/internal/ingestion/registry"
	"github.com/zsiec/cadence/internal/logger"
)

const maxRequestBody = 1 << 20

// Handlers exposes the manager over HTTP.
type Handlers struct {
	manager *Manager
	errors  *errors.ErrorHandler
	logger  logger.Logger
}

func NewHandlers(manager *Manager, errHandler *errors.ErrorHandler, log logger.Logger) *Handlers {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Handlers{
		manager: manager,
		errors:  errHandler,
		logger:  log.WithField("component", "ingestion_handlers"),
	}
}

// RegisterRoutes registers all ingestion API routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sessions", h.HandleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", h.HandleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", h.HandleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.HandleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/frame", h.HandleSessionFrame).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/frame.png", h.HandleSessionPreview).Methods(http.MethodGet)

	api.HandleFunc("/registry", h.HandleRegistry).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.HandleStats).Methods(http.MethodGet)

	h.logger.Info("Ingestion routes registered")
}

// API Response DTOs
type SessionListResponse struct {
	Sessions []producer.Info `json:"sessions"`
	Count    int             `json:"count"`
	Time     time.Time       `json:"time"`
}

type FrameDTO struct {
	SessionID string `json:"session_id"`
	Empty     bool   `json:"empty"`
	HasVideo  bool   `json:"has_video"`
	HasAudio  bool   `json:"has_audio"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Samples   int    `json:"samples"`
	// Peak is the largest absolute sample value, 0 for silence.
	Peak int64 `json:"peak"`
}

type RegistryEntryDTO struct {
	*registry.Record
	Stale bool `json:"stale"`
}

type RegistryResponse struct {
	Records []RegistryEntryDTO `json:"records"`
	Count   int                `json:"count"`
	Time    time.Time          `json:"time"`
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.Sessions()
	h.writeJSON(w, http.StatusOK, SessionListResponse{
		Sessions: sessions,
		Count:    len(sessions),
		Time:     time.Now(),
	})
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.errors.HandleError(w, r, errors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	p, err := h.manager.CreateSession(r.Context(), req)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+p.ID())
	h.writeJSON(w, http.StatusCreated, p.Info())
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	p, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, p.Info())
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.manager.DeleteSession(r.Context(), id); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessionFrame describes the frame most recently returned by the
// session without copying its payload.
func (h *Handlers) HandleSessionFrame(w http.ResponseWriter, r *http.Request) {
	p, ok := h.session(w, r)
	if !ok {
		return
	}
	f := p.LastFrame()
	dto := FrameDTO{
		SessionID: p.ID(),
		Empty:     f.Empty,
		HasVideo:  f.HasVideo,
		HasAudio:  f.HasAudio,
		Samples:   len(f.Audio),
	}
	if f.Picture != nil {
		dto.Width, dto.Height = f.Picture.Width, f.Picture.Height
	}
	for _, s := range f.Audio {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		if v > dto.Peak {
			dto.Peak = v
		}
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// HandleSessionPreview renders the last picture as PNG.
func (h *Handlers) HandleSessionPreview(w http.ResponseWriter, r *http.Request) {
	p, ok := h.session(w, r)
	if !ok {
		return
	}
	pic := p.LastFrame().Picture
	if pic == nil {
		h.errors.HandleError(w, r, errors.NewNotFoundError("frame"))
		return
	}

	img := image.NewNRGBA(image.Rect(0, 0, pic.Width, pic.Height))
	for i := 0; i+3 < len(pic.Data) && i+3 < len(img.Pix); i += 4 {
		img.Pix[i] = pic.Data[i+2]
		img.Pix[i+1] = pic.Data[i+1]
		img.Pix[i+2] = pic.Data[i]
		img.Pix[i+3] = pic.Data[i+3]
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, img); err != nil {
		h.logger.WithError(err).Error("Failed to encode preview")
	}
}

// HandleRegistry lists every record in the registry, including sessions
// owned by other nodes.
func (h *Handlers) HandleRegistry(w http.ResponseWriter, r *http.Request) {
	records, err := h.manager.Registry().List(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, errors.WrapInternalError(err, "failed to list registry"))
		return
	}

	ttl := h.manager.cfg.Registry.TTL
	now := time.Now()
	resp := RegistryResponse{
		Records: make([]RegistryEntryDTO, 0, len(records)),
		Time:    now,
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, RegistryEntryDTO{
			Record: rec,
			Stale:  ttl > 0 && rec.Stale(now, ttl),
		})
	}
	resp.Count = len(resp.Records)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Stats())
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*producer.Producer, bool) {
	p, ok := h.manager.Session(mux.Vars(r)["id"])
	if !ok {
		h.errors.HandleError(w, r, errors.NewNotFoundError("session"))
	}
	return p, ok
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}
