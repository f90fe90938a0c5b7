package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"helpdesk_offline_cache/internal/limits"
	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/runtime"
	"helpdesk_offline_cache/internal/transport"
	"helpdesk_offline_cache/internal/worker"
)

// Handler puts the active worker between HTTP clients and the network.
// Responses the worker produces are written verbatim. A failed fetch aborts
// the response so the client sees the same failure it would see without the
// worker.
type Handler struct {
	Registration *runtime.Registration
	Network      transport.Network
	Origin       *url.URL
	Metrics      *obs.Metrics
	Inflight     *runtime.InflightTracker
	Limits       limits.Limits
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFor(r)
	ctx := obs.ExtractTraceContext(r.Context(), r.Header)
	ctx = obs.WithRequestID(ctx, requestID)

	h.Inflight.Inc()
	defer h.Inflight.Dec()

	recorder := newAccessRecorder(w)
	access := obs.RequestContext{
		RequestID:  requestID,
		Method:     r.Method,
		URL:        r.URL.String(),
		Mode:       worker.ModeBypass,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
	defer func() {
		access.Status = recorder.Status()
		access.Duration = time.Since(start)
		access.BytesOut = recorder.BytesOut()
		if access.ErrorCategory == "" {
			access.ErrorCategory = recorder.ErrorCategory()
		}
		obs.LogAccess(access)
		h.Metrics.ObserveRequest(access.Mode, access.CacheSource, access.Status, access.Duration)
	}()

	if status, category := h.Limits.CheckRequest(r); status != 0 {
		WriteProxyError(recorder, requestID, status, category, http.StatusText(status))
		return
	}
	h.Limits.LimitBody(w, r)

	target, err := resolveTarget(r, h.Origin)
	if err != nil {
		WriteProxyError(recorder, requestID, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	access.URL = target.String()
	outbound, err := buildOutbound(ctx, r, target)
	if err != nil {
		WriteProxyError(recorder, requestID, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}

	resp, err := h.fetch(outbound, &access)
	if err != nil {
		access.ErrorCategory = errorCategory(err)
		// net/http drops the connection without logging for this sentinel,
		// so the client observes a failed fetch.
		panic(http.ErrAbortHandler)
	}
	defer resp.Body.Close()

	if h.Limits.ResponseStreamTimeout > 0 {
		_ = http.NewResponseController(recorder).SetWriteDeadline(time.Now().Add(h.Limits.ResponseStreamTimeout))
	}
	header := recorder.Header()
	copyHeaders(header, resp.Header)
	removeHopByHop(header)
	header.Set(RequestIDHeader, requestID)
	header.Set(SourceHeader, string(resp.Source))
	recorder.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(recorder, resp.Body); err != nil {
		recorder.SetErrorCategory("stream_error")
	}
}

func (h *Handler) fetch(outbound *http.Request, access *obs.RequestContext) (*worker.Response, error) {
	active := h.Registration.Active()
	if active == nil {
		access.CacheSource = string(worker.SourcePassthrough)
		resp, err := h.Network.Do(outbound)
		if err != nil {
			category := transport.ClassifyError(err)
			h.Metrics.RecordNetworkError(worker.ModeBypass, category)
			return nil, &worker.NetworkError{Mode: worker.ModeBypass, Category: category, Err: err}
		}
		return &worker.Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body, Source: worker.SourcePassthrough}, nil
	}

	access.Mode = active.Mode(outbound)
	access.CacheVersion = active.Version()
	resp, err := active.Fetch(outbound.Context(), outbound)
	if err != nil {
		return nil, err
	}
	access.CacheSource = string(resp.Source)
	return resp, nil
}

func errorCategory(err error) string {
	var netErr *worker.NetworkError
	if errors.As(err, &netErr) {
		return netErr.Category
	}
	return "other"
}
