package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/transport"
)

type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceShell       Source = "shell"
	SourcePassthrough Source = "passthrough"
)

const (
	ModeNavigate    = "navigate"
	ModeSubresource = "subresource"
	ModeBypass      = "bypass"
)

// Response is what a fetch resolves to. Body must be closed by the caller.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Source Source
}

// NetworkError is returned when a fetch could not be answered. It wraps
// ErrNetwork and the underlying transport error.
type NetworkError struct {
	Mode     string
	Category string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s fetch failed (%s): %v", e.Mode, e.Category, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// Mode reports how req would be handled by the worker.
func (w *Worker) Mode(req *http.Request) string {
	if w.State() != StateActivated || !policy.IsReadMethod(req.Method) {
		return ModeBypass
	}
	if policy.IsNavigation(req) {
		return ModeNavigate
	}
	return ModeSubresource
}

// Fetch answers req. req must carry an absolute URL and be ready for an
// http.Client. Requests the worker does not intercept (non-GET, or any
// request while the worker is not activated) go to the network untouched.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	mode := w.Mode(req)

	ctx, span := obs.Tracer().Start(ctx, "worker.fetch")
	span.SetAttributes(
		attribute.String("cache.version", w.policy.Version),
		attribute.String("fetch.mode", mode),
		attribute.String("http.request.method", req.Method),
	)
	if id, ok := obs.RequestIDFromContext(ctx); ok {
		span.SetAttributes(attribute.String("request.id", id))
	}
	defer span.End()

	var resp *Response
	var err error
	switch mode {
	case ModeBypass:
		resp, err = w.passthrough(ctx, req)
	case ModeNavigate:
		resp, err = w.navigate(ctx, req)
	default:
		resp, err = w.subresource(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("fetch.source", string(resp.Source)), attribute.Int("http.response.status_code", resp.Status))
	return resp, nil
}

func (w *Worker) passthrough(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := w.roundTrip(ctx, req)
	if err != nil {
		return nil, w.networkError(ModeBypass, err)
	}
	return fromHTTP(resp, SourcePassthrough), nil
}

func (w *Worker) navigate(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := w.roundTrip(ctx, req)
	if err == nil {
		return fromHTTP(resp, SourceNetwork), nil
	}
	netErr := w.networkError(ModeNavigate, err)
	if !w.policy.NavigationFallback {
		return nil, netErr
	}

	shell, ok := w.matchShell(ctx)
	w.metrics.RecordShellFallback(ok)
	if !ok {
		return nil, netErr
	}
	return fromEntry(shell, SourceShell), nil
}

func (w *Worker) matchShell(ctx context.Context) (cache.Entry, bool) {
	store := w.currentStore()
	if store == nil {
		return cache.Entry{}, false
	}
	shellURL, err := w.resolve(w.policy.ShellURL)
	if err != nil {
		return cache.Entry{}, false
	}
	entry, ok, err := store.Match(context.WithoutCancel(ctx), cache.BuildKey(http.MethodGet, shellURL))
	if err != nil {
		obs.LogEvent(obs.Event{Name: "shell_lookup", CacheVersion: w.policy.Version, Err: err})
		return cache.Entry{}, false
	}
	return entry, ok
}

func (w *Worker) subresource(ctx context.Context, req *http.Request) (*Response, error) {
	store := w.currentStore()
	key := cache.BuildKey(req.Method, req.URL)
	if store != nil {
		entry, ok, err := store.Match(ctx, key)
		switch {
		case err != nil:
			w.metrics.RecordCacheLookup("error")
			obs.LogEvent(obs.Event{Name: "cache_lookup", CacheVersion: w.policy.Version, Detail: req.URL.String(), Err: err})
		case ok:
			w.metrics.RecordCacheLookup("hit")
			return fromEntry(entry, SourceCache), nil
		default:
			w.metrics.RecordCacheLookup("miss")
		}
	}

	resp, err := w.roundTrip(ctx, req)
	if err != nil {
		return nil, w.networkError(ModeSubresource, err)
	}
	if store == nil || !w.cacheable(req, resp) {
		return fromHTTP(resp, SourceNetwork), nil
	}
	return w.storeAndReturn(ctx, store, key, req, resp)
}

// cacheable reports whether a network response to req may be stored
// opportunistically: a 200 from the worker's own origin for a URL inside the
// static namespace.
func (w *Worker) cacheable(req *http.Request, resp *http.Response) bool {
	if !w.policy.CacheOnFetch {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if !sameOrigin(req.URL, w.origin) {
		return false
	}
	return w.policy.InStaticNamespace(req.URL)
}

// storeAndReturn buffers the body, writes a copy to the store and returns the
// buffered response. Write failures are counted and logged but never fail the
// request. Bodies larger than the store limit are streamed without caching.
func (w *Worker) storeAndReturn(ctx context.Context, store cache.Store, key string, req *http.Request, resp *http.Response) (*Response, error) {
	limit := w.maxObject
	if resp.ContentLength > limit {
		return fromHTTP(resp, SourceNetwork), nil
	}

	buffered, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, w.networkError(ModeSubresource, err)
	}
	if int64(len(buffered)) > limit {
		return &Response{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   readCloser{Reader: io.MultiReader(bytes.NewReader(buffered), resp.Body), Closer: resp.Body},
			Source: SourceNetwork,
		}, nil
	}
	_ = resp.Body.Close()

	entry := cache.Entry{
		Method:   http.MethodGet,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   storableHeader(resp.Header),
		Body:     buffered,
		StoredAt: time.Now().UTC(),
	}
	if err := store.Put(context.WithoutCancel(ctx), key, entry); err != nil {
		w.metrics.RecordCacheStoreFail()
		obs.LogEvent(obs.Event{Name: "cache_put", CacheVersion: w.policy.Version, Detail: entry.URL, Err: err})
	} else {
		w.metrics.RecordCacheStored()
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   io.NopCloser(bytes.NewReader(buffered)),
		Source: SourceNetwork,
	}, nil
}

// fetchForStore performs a manifest fetch. Any non-2xx status is a failure.
func (w *Worker) fetchForStore(ctx context.Context, target *url.URL) (cache.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Record{}, err
	}
	resp, err := w.roundTrip(ctx, req)
	if err != nil {
		w.metrics.RecordNetworkError("install", transport.ClassifyError(err))
		return cache.Record{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return cache.Record{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Record{}, err
	}
	return cache.Record{
		Key: cache.BuildKey(http.MethodGet, target),
		Entry: cache.Entry{
			Method:   http.MethodGet,
			URL:      target.String(),
			Status:   resp.StatusCode,
			Header:   storableHeader(resp.Header),
			Body:     body,
			StoredAt: time.Now().UTC(),
		},
	}, nil
}

func (w *Worker) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Context() != ctx {
		req = req.WithContext(ctx)
	}
	obs.InjectTraceHeaders(ctx, req.Header)
	start := time.Now()
	resp, err := w.network.Do(req)
	w.metrics.ObserveNetworkRoundTrip(time.Since(start))
	return resp, err
}

func (w *Worker) networkError(mode string, err error) error {
	category := transport.ClassifyError(err)
	w.metrics.RecordNetworkError(mode, category)
	return &NetworkError{Mode: mode, Category: category, Err: err}
}

// IsNetworkError reports whether err came from a failed fetch.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func fromHTTP(resp *http.Response, source Source) *Response {
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
		Source: source,
	}
}

func fromEntry(entry cache.Entry, source Source) *Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: entry.Status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(entry.Body)),
		Source: source,
	}
}

func sameOrigin(a *url.URL, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

var unstoredHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie",
}

func storableHeader(header http.Header) http.Header {
	stored := header.Clone()
	if stored == nil {
		return http.Header{}
	}
	for _, name := range unstoredHeaders {
		stored.Del(name)
	}
	return stored
}

type readCloser struct {
	io.Reader
	io.Closer
}
