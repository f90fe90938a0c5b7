package cache

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildKey(t *testing.T) {
	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		return u
	}

	base := BuildKey(http.MethodGet, parse("https://helpdesk.local/static/app.js"))
	assert.Equal(t, "m=GET|u=https://helpdesk.local/static/app.js", base)

	assert.Equal(t, base, BuildKey("get", parse("HTTPS://Helpdesk.Local:443/static/app.js")))
	assert.Equal(t, base, BuildKey(http.MethodGet, parse("https://helpdesk.local/static/app.js#top")))
	assert.Equal(t, base, BuildKey("", parse("https://user:pw@helpdesk.local/static/app.js")))
	assert.NotEqual(t, base, BuildKey(http.MethodGet, parse("https://helpdesk.local/static/app.js?v=2")))
	assert.NotEqual(t, base, BuildKey(http.MethodPost, parse("https://helpdesk.local/static/app.js")))
	assert.NotEqual(t, base, BuildKey(http.MethodGet, parse("http://helpdesk.local/static/app.js")))

	assert.Equal(t, "m=GET|u=http://helpdesk.local/", BuildKey(http.MethodGet, parse("http://helpdesk.local:80")))
	assert.Equal(t, "", BuildKey(http.MethodGet, nil))
}
