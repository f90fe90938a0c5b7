package policy

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const (
	DefaultShellURL     = "/"
	DefaultStaticPrefix = "/static/"

	PresetLegacy   = "legacy"
	PresetStandard = "standard"
)

var cdnAssets = []string{
	"https://cdn.tailwindcss.com",
	"https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600;700&display=swap",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0/css/all.min.css",
}

var iconAssets = []string{
	"/static/icons/icon-192.png",
	"/static/icons/icon-512.png",
}

// Policy is the cache policy a worker runs with. Version names the store the
// worker owns; every other store is pruned on activation.
type Policy struct {
	Version            string
	Manifest           []string
	ShellURL           string
	StaticPrefix       string
	NavigationFallback bool
	CacheOnFetch       bool
	SkipWaiting        bool
}

// Legacy matches the web-shell worker: icons and CDN styles only, no
// opportunistic caching.
func Legacy() Policy {
	manifest := make([]string, 0, len(iconAssets)+len(cdnAssets))
	manifest = append(manifest, iconAssets...)
	manifest = append(manifest, cdnAssets...)
	return Policy{
		Version:            "helpdesk-v2",
		Manifest:           manifest,
		ShellURL:           DefaultShellURL,
		StaticPrefix:       DefaultStaticPrefix,
		NavigationFallback: true,
	}
}

// Standard is the canonical policy: the shell document and web manifest are
// part of the install set and static assets are cached as they are fetched.
func Standard() Policy {
	manifest := []string{"/", "/manifest.json"}
	manifest = append(manifest, iconAssets...)
	manifest = append(manifest, cdnAssets...)
	return Policy{
		Version:            "helpdesk-v3",
		Manifest:           manifest,
		ShellURL:           DefaultShellURL,
		StaticPrefix:       DefaultStaticPrefix,
		NavigationFallback: true,
		CacheOnFetch:       true,
		SkipWaiting:        true,
	}
}

func Preset(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PresetStandard:
		return Standard(), nil
	case PresetLegacy:
		return Legacy(), nil
	default:
		return Policy{}, fmt.Errorf("unknown policy preset %q", name)
	}
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return errors.New("policy version is required")
	}
	for i, entry := range p.Manifest {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("manifest entry %d is empty", i)
		}
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("manifest entry %q: %w", entry, err)
		}
	}
	if p.NavigationFallback {
		shell, err := url.Parse(p.ShellURL)
		if err != nil {
			return fmt.Errorf("shell url: %w", err)
		}
		if !shell.IsAbs() && !strings.HasPrefix(shell.Path, "/") {
			return fmt.Errorf("shell url %q must be absolute or rooted", p.ShellURL)
		}
	}
	if p.CacheOnFetch && !strings.HasPrefix(p.StaticPrefix, "/") {
		return fmt.Errorf("static prefix %q must be rooted", p.StaticPrefix)
	}
	return nil
}

// Clone returns a copy whose manifest can be modified independently.
func (p Policy) Clone() Policy {
	p.Manifest = append([]string(nil), p.Manifest...)
	return p
}

// InStaticNamespace reports whether u lives under the static prefix. Only the
// cleaned path is inspected, segment by segment, so hosts, query strings and
// look-alike directories such as /staticfiles never match.
func (p Policy) InStaticNamespace(u *url.URL) bool {
	if u == nil {
		return false
	}
	prefix := strings.TrimSuffix(p.StaticPrefix, "/")
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	cleaned := path.Clean("/" + u.Path)
	return strings.HasPrefix(cleaned, prefix+"/")
}

// IsReadMethod reports whether requests with method are eligible for
// interception. Only GET identities are ever stored.
func IsReadMethod(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}

// IsNavigation reports whether req is a top-level page load.
func IsNavigation(req *http.Request) bool {
	if req == nil || !IsReadMethod(req.Method) {
		return false
	}
	if mode := strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if dest := strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest")); dest != "" && !strings.EqualFold(dest, "document") {
		return false
	}
	return acceptsHTML(req.Header.Get("Accept"))
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
			return true
		}
	}
	return false
}
