package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
	"github.com/qaraxhq/qarax/internal/node/vmconfig"
	"github.com/qaraxhq/qarax/internal/node/vmm"
)

// Handler maps the node RPC surface onto the VM manager.
type Handler struct {
	logger  *slog.Logger
	manager *vmm.Manager
}

// New constructs the node RPC router.
func New(logger *slog.Logger, manager *vmm.Manager) http.Handler {
	h := &Handler{logger: logger.With("component", "rpcserver"), manager: manager}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)

	r.Route("/v1/vms", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleInfo)
			r.Delete("/", h.handleDelete)
			r.Put("/start", h.lifecycle(h.manager.Start))
			r.Put("/stop", h.lifecycle(h.manager.Stop))
			r.Put("/pause", h.lifecycle(h.manager.Pause))
			r.Put("/resume", h.lifecycle(h.manager.Resume))
			r.Get("/console", h.handleConsole)
			r.Get("/console/ws", h.handleConsoleWS)
			r.Get("/counters", h.handleCounters)
			r.Put("/devices/net", h.handleAddNet)
			r.Delete("/devices/net/{deviceID}", h.remover(h.manager.RemoveNet))
			r.Put("/devices/disk", h.handleAddDisk)
			r.Delete("/devices/disk/{deviceID}", h.remover(h.manager.RemoveDisk))
			r.Put("/devices/fs", h.handleAddFs)
			r.Delete("/devices/fs/{deviceID}", h.remover(h.manager.RemoveFs))
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("rpc request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"latency", time.Since(start).String(),
			)
		})
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg vmconfig.VMConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	state, err := h.manager.Create(r.Context(), cfg)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.List())
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	state, err := h.manager.Info(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) lifecycle(op func(ctx context.Context, id string) (*vmm.VMState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.writeManagerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.manager.Counters(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleAddNet(w http.ResponseWriter, r *http.Request) {
	var spec vmconfig.NetSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.manager.AddNet(r.Context(), chi.URLParam(r, "id"), spec); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

func (h *Handler) handleAddDisk(w http.ResponseWriter, r *http.Request) {
	var spec vmconfig.DiskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.manager.AddDisk(r.Context(), chi.URLParam(r, "id"), spec); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

func (h *Handler) handleAddFs(w http.ResponseWriter, r *http.Request) {
	var spec vmconfig.FsSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.manager.AddFs(r.Context(), chi.URLParam(r, "id"), spec); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

func (h *Handler) remover(op func(ctx context.Context, id, deviceID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		deviceID := chi.URLParam(r, "deviceID")
		if err := op(r.Context(), id, deviceID); err != nil {
			h.writeManagerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
	}
}

// writeManagerError translates error kinds into transport status codes.
func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vmconfig.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, vmm.ErrVMNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vmm.ErrVMExists):
		status = http.StatusConflict
	case errors.Is(err, vmm.ErrWrongState):
		status = http.StatusPreconditionFailed
	case errors.Is(err, vmm.ErrExited):
		status = http.StatusInternalServerError
	default:
		switch hypervisor.KindOf(err) {
		case hypervisor.KindTransport, hypervisor.KindServer:
			status = http.StatusServiceUnavailable
		case hypervisor.KindState:
			status = http.StatusPreconditionFailed
		case hypervisor.KindProtocol:
			status = http.StatusInternalServerError
		}
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
