package bench

import (
	"testing"

	"helpdesk_offline_cache/internal/cache"
)

func BenchmarkPassthroughGET(b *testing.B) {
	origin := startBenchmarkOrigin(b)
	server, client, cleanup := startBenchmarkProxy(b, origin, nil, nil)
	defer cleanup()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fetch(b, client, server.URL+"/static/js/app.js", "no-cors")
	}
}

func BenchmarkNavigateNetworkFirst(b *testing.B) {
	origin := startBenchmarkOrigin(b)
	server, client, cleanup := startBenchmarkProxy(b, origin, cache.NewMemoryStorage(0), standardPolicy())
	defer cleanup()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fetch(b, client, server.URL+"/tickets", "navigate")
	}
}

func BenchmarkNavigateShellFallback(b *testing.B) {
	origin := startBenchmarkOrigin(b)
	server, client, cleanup := startBenchmarkProxy(b, origin, cache.NewMemoryStorage(0), standardPolicy())
	defer cleanup()
	origin.SetOffline(true)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fetch(b, client, server.URL+"/tickets", "navigate")
	}
}

func BenchmarkCacheHit(b *testing.B) {
	for _, driver := range []string{cache.DriverMemory, cache.DriverBolt, cache.DriverSQLite} {
		b.Run(driver, func(b *testing.B) {
			origin := startBenchmarkOrigin(b)
			server, client, cleanup := startBenchmarkProxy(b, origin, openStorage(b, driver), standardPolicy())
			defer cleanup()

			fetch(b, client, server.URL+"/static/js/app.js", "no-cors")
			origin.SetOffline(true)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				fetch(b, client, server.URL+"/static/js/app.js", "no-cors")
			}
		})
	}
}
