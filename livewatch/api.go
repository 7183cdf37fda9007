package livewatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/horosafe"
	"github.com/hazyhaar/livewatch/livewatch/internal/scheduler"
	"github.com/hazyhaar/livewatch/shield"
)

type openTabRequest struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

// Handler returns the control API:
//
//	GET    /health
//	GET    /tabs
//	POST   /tabs                    {"id","url","mode"}
//	DELETE /tabs/{id}
//	GET    /tabs/{id}/monitoring
//	POST   /tabs/{id}/monitoring    optional session config body
//	DELETE /tabs/{id}/monitoring
//	POST   /tabs/{id}/check
func (w *Watcher) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(w.logger) {
		r.Use(mw)
	}

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{
			"status":   "ok",
			"tabs":     len(w.Tabs()),
			"sessions": len(w.Sessions()),
			"describe": w.Describer().String(),
		})
	})

	r.Route("/tabs", func(r chi.Router) {
		r.Get("/", func(rw http.ResponseWriter, _ *http.Request) {
			writeJSON(rw, http.StatusOK, w.Tabs())
		})
		r.Post("/", w.handleOpenTab)

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", func(rw http.ResponseWriter, req *http.Request) {
				if err := w.CloseTab(chi.URLParam(req, "id")); err != nil {
					writeError(rw, statusOf(err), err)
					return
				}
				rw.WriteHeader(http.StatusNoContent)
			})
			r.Get("/monitoring", func(rw http.ResponseWriter, req *http.Request) {
				st, err := w.Status(req.Context(), chi.URLParam(req, "id"))
				if err != nil {
					writeError(rw, statusOf(err), err)
					return
				}
				writeJSON(rw, http.StatusOK, st)
			})
			r.Post("/monitoring", w.handleStartMonitoring)
			r.Delete("/monitoring", func(rw http.ResponseWriter, req *http.Request) {
				id := chi.URLParam(req, "id")
				if !w.hasTab(id) {
					writeError(rw, http.StatusNotFound, ErrTabNotFound)
					return
				}
				writeJSON(rw, http.StatusOK, map[string]bool{"stopped": w.StopMonitoring(id)})
			})
			r.Post("/check", w.handleCheck)
		})
	})
	return r
}

func (w *Watcher) handleOpenTab(rw http.ResponseWriter, req *http.Request) {
	var body openTabRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	if body.URL == "" {
		writeError(rw, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	info, err := w.OpenTab(req.Context(), body.ID, body.URL, body.Mode)
	if err != nil {
		shield.GetLogger(req.Context()).Warn("livewatch: open tab failed", "url", body.URL, "error", err)
		writeError(rw, statusOf(err), err)
		return
	}
	writeJSON(rw, http.StatusCreated, info)
}

func (w *Watcher) handleStartMonitoring(rw http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	var cfg *check.SessionConfig
	if req.ContentLength != 0 {
		sc := w.cfg.Session()
		if err := json.NewDecoder(req.Body).Decode(&sc); err != nil {
			writeError(rw, http.StatusBadRequest, err)
			return
		}
		cfg = &sc
	}
	sess, err := w.StartMonitoring(req.Context(), id, cfg)
	if err != nil {
		writeError(rw, statusOf(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, sess)
}

func (w *Watcher) handleCheck(rw http.ResponseWriter, req *http.Request) {
	res, err := w.CheckNow(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeError(rw, statusOf(err), err)
		return
	}
	data, err := check.Marshal(res)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]json.RawMessage{"result": data})
}

func statusOf(err error) int {
	var se *scheduler.StartError
	switch {
	case errors.Is(err, ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTabExists),
		errors.Is(err, scheduler.ErrNotMonitoring),
		errors.Is(err, scheduler.ErrCheckRunning):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTab),
		errors.Is(err, horosafe.ErrSSRF),
		errors.Is(err, horosafe.ErrUnsafeScheme):
		return http.StatusBadRequest
	case errors.As(err, &se):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
