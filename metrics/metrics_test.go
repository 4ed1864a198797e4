package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}

func TestNewCollector_DefaultNamespace(t *testing.T) {
	c := NewCollector("")
	c.DrainStarted()
	if body := scrape(t, c); !strings.Contains(body, "nous_queue_drains_total 1") {
		t.Fatalf("missing default namespace:\n%s", body)
	}
}

func TestCollector_Recorders(t *testing.T) {
	c := NewCollector("test")

	c.Served("cache-first", "cache")
	c.Served("cache-first", "cache")
	c.Served("network-first", "fallback")
	c.StoreError("put")
	c.Refresh("updated")
	c.InstallFinished("complete", 120*time.Millisecond)
	c.Activated("g1")
	c.Activated("g2")
	c.Evicted(1)
	c.Evicted(0)
	c.Connectivity(false)
	c.Drained(3, 1, 2)
	c.Submitted("queued")
	c.TrackClients(func() int { return 4 })

	body := scrape(t, c)
	for _, want := range []string{
		`test_intercept_served_total{class="cache-first",source="cache"} 2`,
		`test_intercept_served_total{class="network-first",source="fallback"} 1`,
		`test_cache_store_errors_total{op="put"} 1`,
		`test_cache_refreshes_total{outcome="updated"} 1`,
		`test_lifecycle_installs_total{outcome="complete"} 1`,
		`test_lifecycle_active_generation{generation="g2"} 1`,
		`test_lifecycle_activations_total 2`,
		`test_lifecycle_evicted_generations_total 1`,
		`test_connectivity_reachable 0`,
		`test_queue_replayed_total{result="synced"} 3`,
		`test_queue_depth 2`,
		`test_queue_submits_total{path="queued"} 1`,
		`test_hub_clients 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
	if strings.Contains(body, `generation="g1"`) {
		t.Error("previous generation still reported active")
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Served("bypass", "network")
	c.StoreError("get")
	c.Refresh("failed")
	c.InstallFinished("incomplete", time.Second)
	c.Activated("g1")
	c.Evicted(2)
	c.Connectivity(true)
	c.DrainStarted()
	c.Drained(1, 0, 0)
	c.QueueDepth(1)
	c.Submitted("direct")
	c.TrackClients(func() int { return 1 })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil handler status = %d", rec.Code)
	}
}
