package integration

import (
	"net/http"
	"reflect"
	"strings"
	"testing"

	"helpdesk_offline_cache/internal/cache"
)

const legacyPolicy = `{
	"preset": "legacy",
	"manifest": ["/static/icons/icon-192.png", "/static/icons/icon-512.png"]
}`

// TestUpgradeFromLegacyToStandard walks a deployment of helpdesk-v2 followed
// by helpdesk-v3 and checks what an offline client sees at each step.
func TestUpgradeFromLegacyToStandard(t *testing.T) {
	for _, driver := range []string{cache.DriverMemory, cache.DriverBolt, cache.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			origin := helpdeskOrigin(t)
			s := startStack(t, stackConfig(t, origin.URL.String(), driver, legacyPolicy, ""))

			if got := s.registration.Active().Version(); got != "helpdesk-v2" {
				t.Fatalf("active version %q", got)
			}

			online, err := s.navigate("/tickets")
			if err != nil {
				t.Fatalf("online navigation: %v", err)
			}
			if online.source != "network" || online.body != "<html>ticket list</html>" {
				t.Fatalf("online navigation served %+v", online)
			}
			script, err := s.subresource("/static/js/app.js")
			if err != nil {
				t.Fatalf("script: %v", err)
			}
			if script.source != "network" {
				t.Fatalf("legacy worker served script from %q", script.source)
			}

			origin.SetOffline(true)
			icon, err := s.subresource("/static/icons/icon-192.png")
			if err != nil {
				t.Fatalf("offline icon: %v", err)
			}
			if icon.source != "cache" || icon.body != "icon-192" {
				t.Fatalf("offline icon served %+v", icon)
			}
			// The legacy manifest never cached the shell, so offline pages fail.
			if _, err := s.navigate("/tickets"); err == nil {
				t.Fatalf("expected offline navigation to fail without a cached shell")
			}
			if _, err := s.subresource("/static/js/app.js"); err == nil {
				t.Fatalf("expected uncached script to fail offline")
			}

			origin.SetOffline(false)
			status, body := s.admin.Call(t, http.MethodPost, "/admin/update", map[string]interface{}{
				"preset":   "standard",
				"version":  "helpdesk-v3",
				"manifest": []string{"/", "/manifest.json", "/static/icons/icon-192.png", "/static/icons/icon-512.png"},
			})
			if status != http.StatusOK {
				t.Fatalf("update status %d: %v", status, body)
			}
			if body["promoted"] != true {
				t.Fatalf("expected helpdesk-v3 to skip waiting: %v", body)
			}
			if names := s.storeNames(t); !reflect.DeepEqual(names, []string{"helpdesk-v3"}) {
				t.Fatalf("stores after activation %v", names)
			}

			script, err = s.subresource("/static/js/app.js")
			if err != nil {
				t.Fatalf("script: %v", err)
			}
			if script.source != "network" {
				t.Fatalf("first script load served from %q", script.source)
			}
			if _, err := s.subresource("/api/tickets"); err != nil {
				t.Fatalf("api: %v", err)
			}

			origin.SetOffline(true)
			page, err := s.navigate("/tickets")
			if err != nil {
				t.Fatalf("offline navigation: %v", err)
			}
			if page.source != "shell" || page.body != "<html>helpdesk shell</html>" {
				t.Fatalf("offline navigation served %+v", page)
			}
			script, err = s.subresource("/static/js/app.js")
			if err != nil {
				t.Fatalf("offline script: %v", err)
			}
			if script.source != "cache" || script.body != "console.log('helpdesk')" {
				t.Fatalf("offline script served %+v", script)
			}
			if _, err := s.subresource("/api/tickets"); err == nil {
				t.Fatalf("expected api outside the static namespace to fail offline")
			}
		})
	}
}

func TestWaitingVersionIsPromotedByOperator(t *testing.T) {
	origin := helpdeskOrigin(t)
	standard := `{"preset": "standard", "manifest": ["/", "/static/icons/icon-192.png"], "skip_waiting": false}`
	s := startStack(t, stackConfig(t, origin.URL.String(), cache.DriverMemory, standard, ""))

	status, body := s.admin.Call(t, http.MethodPost, "/admin/update", map[string]interface{}{
		"version":      "helpdesk-v4",
		"manifest":     []string{"/", "/manifest.json"},
		"skip_waiting": false,
	})
	if status != http.StatusOK || body["promoted"] != false {
		t.Fatalf("update: %d %v", status, body)
	}
	if got := s.registration.Active().Version(); got != "helpdesk-v3" {
		t.Fatalf("active version %q before promotion", got)
	}
	if names := s.storeNames(t); !reflect.DeepEqual(names, []string{"helpdesk-v3", "helpdesk-v4"}) {
		t.Fatalf("stores while waiting %v", names)
	}

	status, body = s.admin.Call(t, http.MethodPost, "/admin/promote", nil)
	if status != http.StatusOK {
		t.Fatalf("promote: %d %v", status, body)
	}
	if names := s.storeNames(t); !reflect.DeepEqual(names, []string{"helpdesk-v4"}) {
		t.Fatalf("stores after promotion %v", names)
	}

	origin.SetOffline(true)
	manifest, err := s.subresource("/manifest.json")
	if err != nil {
		t.Fatalf("offline manifest: %v", err)
	}
	if manifest.source != "cache" || !strings.Contains(manifest.body, "Helpdesk") {
		t.Fatalf("offline manifest served %+v", manifest)
	}
	if _, err := s.subresource("/static/icons/icon-192.png"); err == nil {
		t.Fatalf("expected icon dropped from the helpdesk-v4 manifest to fail offline")
	}
}

func TestFailedUpdateKeepsServingActiveVersion(t *testing.T) {
	origin := helpdeskOrigin(t)
	standard := `{"preset": "standard", "manifest": ["/"]}`
	s := startStack(t, stackConfig(t, origin.URL.String(), cache.DriverBolt, standard, ""))

	status, body := s.admin.Call(t, http.MethodPost, "/admin/update", map[string]interface{}{
		"version":  "helpdesk-v5",
		"manifest": []string{"/", "/static/css/missing.css"},
	})
	if status != http.StatusBadGateway {
		t.Fatalf("update: %d %v", status, body)
	}
	if names := s.storeNames(t); !reflect.DeepEqual(names, []string{"helpdesk-v3"}) {
		t.Fatalf("stores after failed install %v", names)
	}

	origin.SetOffline(true)
	page, err := s.navigate("/tickets/7")
	if err != nil {
		t.Fatalf("offline navigation: %v", err)
	}
	if page.source != "shell" {
		t.Fatalf("offline navigation served from %q", page.source)
	}
}
