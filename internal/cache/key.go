package cache

import (
	"net/url"
	"strings"
)

// BuildKey returns the request identity used as the store key: the method and
// the absolute URL without its fragment. Scheme and host are lower-cased and
// default ports dropped so equivalent spellings share an entry.
func BuildKey(method string, u *url.URL) string {
	if u == nil {
		return ""
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}

	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.User = nil
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = canonicalHost(normalized.Scheme, strings.ToLower(normalized.Host))
	if normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}

	var builder strings.Builder
	target := normalized.String()
	builder.Grow(len(method) + len(target) + 6)
	builder.WriteString("m=")
	builder.WriteString(method)
	builder.WriteString("|u=")
	builder.WriteString(target)
	return builder.String()
}

func canonicalHost(scheme string, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}
