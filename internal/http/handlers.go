package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/media"
	"github.com/radioq/sms-relay/internal/metrics"
)

// Waker pokes the dispatch loop after an enqueue.
type Waker interface {
	Kick()
}

type Server struct {
	Store  *core.Store
	Media  *media.FileStore
	Engine Waker
	Log    zerolog.Logger

	throttle *rate.Limiter
}

func NewServer(store *core.Store, mediaStore *media.FileStore, waker Waker, log zerolog.Logger, enqueueRPS float64, enqueueBurst int) *Server {
	if enqueueRPS <= 0 {
		enqueueRPS = 50
	}
	if enqueueBurst <= 0 {
		enqueueBurst = int(enqueueRPS) * 2
	}
	return &Server{
		Store:    store,
		Media:    mediaStore,
		Engine:   waker,
		Log:      log.With().Str("component", "http").Logger(),
		throttle: rate.NewLimiter(rate.Limit(enqueueRPS), enqueueBurst),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(instrument)

	r.Group(func(r chi.Router) {
		r.Use(s.throttled)
		r.Post("/messages", s.postMessage)
		r.Post("/media", s.postMedia)
	})
	r.Get("/messages", s.listMessages)
	r.Get("/messages/totals", s.messageTotals)
	r.Get("/messages/{id}", s.getMessage)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var in postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		metrics.EnqueueTotal.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	msg, err := in.toMessage(time.Now(), core.SourceLocal)
	if err != nil {
		if errors.Is(err, errValidation) {
			metrics.EnqueueTotal.WithLabelValues("invalid").Inc()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	inserted, err := s.Store.Enqueue(r.Context(), msg)
	if err != nil {
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if !inserted {
		metrics.EnqueueTotal.WithLabelValues("duplicate").Inc()
		s.Log.Info().Str("message_id", msg.ID).Msg("duplicate enqueue ignored")
		existing, err := s.Store.Get(r.Context(), msg.ID)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"id": msg.ID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": existing.ID, "state": existing.State})
		return
	}

	metrics.EnqueueTotal.WithLabelValues("accepted").Inc()
	s.Engine.Kick()
	writeJSON(w, http.StatusAccepted, map[string]any{"id": msg.ID, "state": core.StatePending})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := s.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrMessageNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var f core.MessageFilter
	if v := r.URL.Query().Get("state"); v != "" {
		st := core.ProcessingState(v)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown state"})
			return
		}
		f.State = &st
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	f.Limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	items, err := s.Store.SelectMessages(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) messageTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.Store.Totals(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) postMedia(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
		Filename string `json:"filename,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Data == "" || in.MimeType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "data and mimeType are required"})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "data must be base64"})
		return
	}
	stored, err := s.Media.Store(r.Context(), raw, in.MimeType, in.Filename)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}
