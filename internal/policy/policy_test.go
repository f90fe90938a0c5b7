package policy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInStaticNamespace(t *testing.T) {
	p := Standard()
	cases := []struct {
		raw  string
		want bool
	}{
		{"https://helpdesk.local/static/app.js", true},
		{"https://helpdesk.local/static/icons/icon-192.png", true},
		{"/static/css/site.css?v=2", true},
		{"https://helpdesk.local/static", false},
		{"https://helpdesk.local/staticfiles/app.js", false},
		{"https://helpdesk.local/tickets?next=/static/app.js", false},
		{"https://static.helpdesk.local/app.js", false},
		{"https://helpdesk.local/api/static/x", false},
		{"https://helpdesk.local/static/../tickets", false},
		{"https://helpdesk.local/a/../static/app.js", true},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.InStaticNamespace(u), tc.raw)
	}
}

func TestInStaticNamespaceCustomPrefix(t *testing.T) {
	p := Standard()
	p.StaticPrefix = "/assets"
	u, _ := url.Parse("/assets/logo.svg")
	assert.True(t, p.InStaticNamespace(u))
	u, _ = url.Parse("/static/logo.svg")
	assert.False(t, p.InStaticNamespace(u))
	p.StaticPrefix = ""
	assert.False(t, p.InStaticNamespace(u))
}

func TestIsNavigation(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tickets", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.True(t, IsNavigation(req))

	req = httptest.NewRequest(http.MethodGet, "/static/app.js", nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Accept", "text/html")
	assert.False(t, IsNavigation(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	assert.True(t, IsNavigation(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Sec-Fetch-Dest", "iframe")
	assert.False(t, IsNavigation(req))

	req = httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.False(t, IsNavigation(req))

	req = httptest.NewRequest(http.MethodGet, "/static/app.css", nil)
	req.Header.Set("Accept", "text/css,*/*;q=0.1")
	assert.False(t, IsNavigation(req))
}

func TestIsReadMethod(t *testing.T) {
	assert.True(t, IsReadMethod(http.MethodGet))
	assert.True(t, IsReadMethod("get"))
	assert.False(t, IsReadMethod(http.MethodHead))
	assert.False(t, IsReadMethod(http.MethodPost))
	assert.False(t, IsReadMethod(http.MethodDelete))
}

func TestPresets(t *testing.T) {
	legacy := Legacy()
	require.NoError(t, legacy.Validate())
	assert.Len(t, legacy.Manifest, 5)
	assert.False(t, legacy.CacheOnFetch)

	standard := Standard()
	require.NoError(t, standard.Validate())
	assert.Len(t, standard.Manifest, 7)
	assert.Equal(t, "/", standard.Manifest[0])
	assert.Equal(t, "/manifest.json", standard.Manifest[1])
	assert.True(t, standard.CacheOnFetch)

	p, err := Preset("LEGACY")
	require.NoError(t, err)
	assert.Equal(t, "helpdesk-v2", p.Version)
	_, err = Preset("bogus")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	p := Standard()
	p.Version = " "
	assert.Error(t, p.Validate())

	p = Standard()
	p.Manifest = append(p.Manifest, "")
	assert.Error(t, p.Validate())

	p = Standard()
	p.ShellURL = "index.html"
	assert.Error(t, p.Validate())

	p = Standard()
	p.StaticPrefix = "static/"
	assert.Error(t, p.Validate())

	p = Standard()
	p.CacheOnFetch = false
	p.StaticPrefix = ""
	assert.NoError(t, p.Validate())
}

func TestCloneIsIndependent(t *testing.T) {
	p := Standard()
	clone := p.Clone()
	clone.Manifest[0] = "/changed"
	assert.Equal(t, "/", p.Manifest[0])
}
