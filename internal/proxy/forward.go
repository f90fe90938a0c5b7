package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

var errNoTarget = errors.New("request target cannot be resolved")

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// resolveTarget maps an inbound request onto the URL the page asked for.
// Absolute-form requests (forward proxy use) keep their URL; origin-form
// requests resolve against origin.
func resolveTarget(r *http.Request, origin *url.URL) (*url.URL, error) {
	if r.URL.IsAbs() {
		if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
			return nil, errNoTarget
		}
		target := *r.URL
		target.Fragment = ""
		return &target, nil
	}
	if origin == nil {
		return nil, errNoTarget
	}
	ref := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	if ref.Path == "" {
		ref.Path = "/"
	}
	return origin.ResolveReference(ref), nil
}

func buildOutbound(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	body := r.Body
	if body != nil && r.ContentLength == 0 {
		body = http.NoBody
	}
	outbound, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	outbound.ContentLength = r.ContentLength
	outbound.Header = r.Header.Clone()
	if outbound.Header == nil {
		outbound.Header = http.Header{}
	}
	removeHopByHop(outbound.Header)
	outbound.Header.Del(RequestIDHeader)
	outbound.Host = target.Host
	setForwardedHeaders(outbound, r)
	return outbound, nil
}

func setForwardedHeaders(outbound *http.Request, inbound *http.Request) {
	clientIP := inbound.RemoteAddr
	if host, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		clientIP = host
	}

	if clientIP != "" {
		prior := inbound.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if inbound.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
	if inbound.Host != "" {
		outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	}
}

func removeHopByHop(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
