package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type healthReport struct {
	Status    string `json:"status"` // pass | warn | fail
	Processed int    `json:"processedLastHour"`
	Failed    int    `json:"failedLastHour"`
	Pending   int    `json:"pending"`
}

func (s *Server) mountHealth(r chi.Router) {
	// Liveness: process is up
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Readiness: dependencies are OK (DB)
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if err := s.Store.DB.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Delivery health over the trailing hour: failures without any
	// successful throughput mean the radio path is down.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		since := time.Now().Add(-time.Hour)

		processed, _, err := s.Store.CountProcessedSince(ctx, since)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		failed, err := s.Store.CountFailedSince(ctx, since)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		pending, err := s.Store.CountPending(ctx)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		rep := healthReport{Processed: processed, Failed: failed, Pending: pending}
		status := http.StatusOK
		switch {
		case failed == 0:
			rep.Status = "pass"
		case processed > failed:
			rep.Status = "warn"
		default:
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rep)
	})
}
