// Package api provides the HTTP control surface of a running dispatcher.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"profile-robot/internal/batch"
	"profile-robot/internal/dispatcher"
	"profile-robot/internal/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the part of the dispatcher the API drives.
type Controller interface {
	Submit(tasks []task.Task) error
	RequestStop()
	Stats() dispatcher.Stats
}

// SubmitResponsePayload answers a batch submission.
type SubmitResponsePayload struct {
	Queued int    `json:"queued"`
	RunID  string `json:"run_id"`
}

// ControlHandler holds dependencies for the control endpoints.
type ControlHandler struct {
	Dispatcher   Controller
	UserDataRoot string
}

// NewControlHandler creates a new ControlHandler.
func NewControlHandler(d Controller, userDataRoot string) *ControlHandler {
	return &ControlHandler{Dispatcher: d, UserDataRoot: userDataRoot}
}

// NewRouter creates the router with the control routes and a health check.
func NewRouter(h *ControlHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", HandleHealth)
	r.Post("/batch", h.HandleBatch)
	r.Post("/stop", h.HandleStop)
	r.Get("/stats", h.HandleStats)
	return r
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339)); err != nil {
		slog.Warn("failed to write health check response", "error", err)
	}
}

// HandleBatch decodes a batch document and submits its tasks.
func (h *ControlHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	f, err := batch.Decode(r.Body)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return
	}
	tasks, err := f.Tasks(h.UserDataRoot)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("Handling batch submission", "users", len(f.Users), "tasks", len(tasks), "request_id", middleware.GetReqID(r.Context()))
	if err := h.Dispatcher.Submit(tasks); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, dispatcher.ErrStopped) {
			code = http.StatusConflict
		}
		h.respondWithError(w, code, err.Error())
		return
	}

	h.respond(w, http.StatusAccepted, SubmitResponsePayload{
		Queued: len(tasks),
		RunID:  h.Dispatcher.Stats().RunID.String(),
	})
}

// HandleStop requests a stop. It returns before the running tasks drain.
func (h *ControlHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	slog.Info("Stop requested over HTTP", "remote", r.RemoteAddr)
	h.Dispatcher.RequestStop()
	h.respond(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// HandleStats reports the dispatcher counters.
func (h *ControlHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.Dispatcher.Stats())
}

func (h *ControlHandler) respond(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func (h *ControlHandler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respond(w, code, map[string]string{"error": message})
}
