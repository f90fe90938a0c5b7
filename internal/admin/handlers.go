package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/config"
	"helpdesk_offline_cache/internal/proxy"
	"helpdesk_offline_cache/internal/runtime"
	"helpdesk_offline_cache/internal/worker"
)

const maxUpdateBytes = 1 << 20

type handler struct {
	registration   *runtime.Registration
	storage        cache.Storage
	newWorker      WorkerFactory
	auth           *Authenticator
	rateLimiter    *RateLimiter
	history        *History
	installTimeout time.Duration
	mux            *http.ServeMux
}

type workerView struct {
	Version      string `json:"version"`
	State        string `json:"state"`
	ManifestSize int    `json:"manifest_size"`
	SkipWaiting  bool   `json:"skip_waiting"`
}

type storeView struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	InUse   bool   `json:"in_use"`
}

type stateView struct {
	Active     *workerView  `json:"active"`
	Waiting    *workerView  `json:"waiting"`
	Installing *workerView  `json:"installing"`
	Stores     []storeView  `json:"stores"`
	History    []Deployment `json:"history"`
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if requestID == "" {
		requestID = proxy.NewRequestID()
	}
	r.Header.Set(proxy.RequestIDHeader, requestID)
	w.Header().Set(proxy.RequestIDHeader, requestID)

	if !h.rateLimiter.Allow(r.RemoteAddr) {
		writeError(w, requestID, http.StatusTooManyRequests, "rate_limited")
		return
	}
	if h.auth == nil {
		writeError(w, requestID, http.StatusUnauthorized, "auth unavailable")
		return
	}
	if err := h.auth.Authenticate(r); err != nil {
		h.rateLimiter.RecordFailure(r.RemoteAddr)
		status := http.StatusUnauthorized
		message := "unauthorized"
		var authErr *AuthError
		if errors.As(err, &authErr) {
			status = authErr.Status
			message = authErr.Message
		}
		writeError(w, requestID, status, message)
		return
	}
	h.rateLimiter.ResetFailures(r.RemoteAddr)

	h.mux.ServeHTTP(w, r)
}

func (h *handler) handleState(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	active := h.registration.Active()
	waiting := h.registration.Waiting()
	installing := h.registration.Installing()

	view := stateView{
		Active:     describe(active),
		Waiting:    describe(waiting),
		Installing: describe(installing),
		Stores:     []storeView{},
		History:    h.history.Recent(),
	}
	if h.storage != nil {
		stores, err := h.stores(r.Context(), inUse(active, waiting, installing))
		if err != nil {
			writeError(w, requestID, http.StatusInternalServerError, "list stores: "+err.Error())
			return
		}
		view.Stores = stores
	}
	writeJSON(w, requestID, http.StatusOK, view)
}

func (h *handler) stores(ctx context.Context, current map[string]bool) ([]storeView, error) {
	names, err := h.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storeView, 0, len(names))
	for _, name := range names {
		entries, err := h.storage.Count(ctx, name)
		if errors.Is(err, cache.ErrStoreNotFound) {
			// pruned since Keys
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, storeView{Name: name, Entries: entries, InUse: current[name]})
	}
	return out, nil
}

func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if h.newWorker == nil || h.registration == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "update unavailable")
		return
	}

	var payload config.PolicyConfig
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	built, err := payload.Build()
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, err.Error())
		return
	}
	next, err := h.newWorker(built)
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.installTimeout)
	defer cancel()
	promoted, err := h.registration.Register(ctx, next)
	deployment := Deployment{Version: built.Version, ManifestSize: len(built.Manifest), RequestID: requestID}
	if err != nil {
		deployment.Outcome = "failed"
		deployment.Error = err.Error()
		h.history.Record(deployment)
		log.Printf("admin_update request_id=%s version=%s result=error reason=%q", requestID, built.Version, err.Error())
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, worker.ErrInstallFailed):
			status = http.StatusBadGateway
		case errors.Is(err, worker.ErrInvalidState):
			status = http.StatusConflict
		}
		writeError(w, requestID, status, err.Error())
		return
	}

	deployment.Outcome = "waiting"
	if promoted {
		deployment.Outcome = "promoted"
	}
	h.history.Record(deployment)
	log.Printf("admin_update request_id=%s version=%s result=%s", requestID, built.Version, deployment.Outcome)
	writeJSON(w, requestID, http.StatusOK, map[string]interface{}{
		"version":  built.Version,
		"promoted": promoted,
		"state":    next.State().String(),
	})
}

func (h *handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if h.registration == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "registration unavailable")
		return
	}
	previous := h.registration.Active()
	next, err := h.registration.Promote(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runtime.ErrNoWaitingWorker) {
			status = http.StatusConflict
		}
		writeError(w, requestID, status, err.Error())
		return
	}
	h.history.Record(Deployment{Version: next.Version(), ManifestSize: len(next.Policy().Manifest), Outcome: "promoted", RequestID: requestID})

	replaced := ""
	if previous != nil {
		replaced = previous.Version()
	}
	log.Printf("admin_promote request_id=%s version=%s replaced=%s", requestID, next.Version(), replaced)
	writeJSON(w, requestID, http.StatusOK, map[string]interface{}{
		"version":  next.Version(),
		"replaced": replaced,
	})
}

func (h *handler) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if h.registration == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "registration unavailable")
		return
	}
	name := r.PathValue("name")
	existed, err := h.registration.DeleteStore(r.Context(), name)
	if errors.Is(err, runtime.ErrStoreInUse) {
		writeError(w, requestID, http.StatusConflict, "store "+name+" is in use")
		return
	}
	if err != nil {
		writeError(w, requestID, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		writeError(w, requestID, http.StatusNotFound, "store "+name+" not found")
		return
	}
	log.Printf("admin_delete_store request_id=%s store=%s", requestID, name)
	writeJSON(w, requestID, http.StatusOK, map[string]interface{}{"deleted": true, "name": name})
}

func describe(w *worker.Worker) *workerView {
	if w == nil {
		return nil
	}
	p := w.Policy()
	return &workerView{
		Version:      p.Version,
		State:        w.State().String(),
		ManifestSize: len(p.Manifest),
		SkipWaiting:  p.SkipWaiting,
	}
}

func inUse(workers ...*worker.Worker) map[string]bool {
	names := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w != nil {
			names[w.Version()] = true
		}
	}
	return names
}

func writeError(w http.ResponseWriter, requestID string, status int, message string) {
	writeJSON(w, requestID, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, requestID string, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(proxy.RequestIDHeader, requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
