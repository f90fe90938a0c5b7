package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
)

// Route is a canned origin response.
type Route struct {
	Status      int
	ContentType string
	Body        string
	Header      http.Header
	// FailTimes answers the first FailTimes requests with 503.
	FailTimes int
}

// Origin is an httptest server standing in for the helpdesk web origin or a
// CDN. Unknown paths answer 404. While offline every request has its
// connection dropped, which clients observe as a network failure.
type Origin struct {
	URL *url.URL

	server  *httptest.Server
	mu      sync.Mutex
	routes  map[string]Route
	hits    map[string]int
	offline atomic.Bool
}

func StartOrigin(t testing.TB) *Origin {
	t.Helper()
	origin := &Origin{
		routes: make(map[string]Route),
		hits:   make(map[string]int),
	}
	origin.server = httptest.NewServer(http.HandlerFunc(origin.serve))
	t.Cleanup(origin.server.Close)

	parsed, err := url.Parse(origin.server.URL)
	if err != nil {
		t.Fatalf("parse origin url: %v", err)
	}
	origin.URL = parsed
	return origin
}

// StartUpstream serves handler and returns its host:port.
func StartUpstream(t *testing.T, handler http.Handler) (string, func()) {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	server := httptest.NewServer(handler)
	return server.Listener.Addr().String(), server.Close
}

func (o *Origin) Handle(path string, route Route) {
	o.mu.Lock()
	o.routes[path] = route
	o.mu.Unlock()
}

func (o *Origin) SetOffline(offline bool) {
	o.offline.Store(offline)
}

// Hits returns how many requests with method reached path.
func (o *Origin) Hits(method string, path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+path]
}

// Abs returns the absolute URL of path on this origin.
func (o *Origin) Abs(path string) string {
	return o.server.URL + path
}

func (o *Origin) Close() {
	o.server.Close()
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	if o.offline.Load() {
		panic(http.ErrAbortHandler)
	}

	o.mu.Lock()
	o.hits[r.Method+" "+r.URL.Path]++
	hits := o.hits[r.Method+" "+r.URL.Path]
	route, ok := o.routes[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if hits <= route.FailTimes {
		http.Error(w, "origin warming up", http.StatusServiceUnavailable)
		return
	}
	for name, values := range route.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	if route.ContentType != "" {
		w.Header().Set("Content-Type", route.ContentType)
	}
	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = fmt.Fprint(w, route.Body)
	}
}
