package limits

import (
	"net/http"
)

const (
	CategoryURLTooLong     = "url_too_long"
	CategoryTooManyHeaders = "too_many_headers"
	CategoryBodyTooLarge   = "body_too_large"
)

// CheckRequest rejects requests that exceed the configured limits before any
// network or cache work starts. It returns 0 when the request is acceptable.
func (l Limits) CheckRequest(r *http.Request) (int, string) {
	if l.MaxURLBytes > 0 && len(r.URL.String()) > l.MaxURLBytes {
		return http.StatusRequestURITooLong, CategoryURLTooLong
	}
	if l.MaxHeaderCount > 0 {
		count := 0
		for _, values := range r.Header {
			count += len(values)
		}
		if count > l.MaxHeaderCount {
			return http.StatusRequestHeaderFieldsTooLarge, CategoryTooManyHeaders
		}
	}
	if l.MaxBodyBytes > 0 && r.ContentLength > l.MaxBodyBytes {
		return http.StatusRequestEntityTooLarge, CategoryBodyTooLarge
	}
	return 0, ""
}

// LimitBody caps the bytes read from r.Body for bodies of unknown length.
func (l Limits) LimitBody(w http.ResponseWriter, r *http.Request) {
	if l.MaxBodyBytes <= 0 || r.Body == nil || r.Body == http.NoBody {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, l.MaxBodyBytes)
}
