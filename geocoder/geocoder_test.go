package geocoder

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/tmarchal/immopipe/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.GeocoderBaseURL = "http://geocode.test/search"
	cfg.GeocodeDelay = 0
	cfg.GeocodeCachePath = filepath.Join(t.TempDir(), "cache.sqlite")
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newTestGeocoder(t *testing.T, cfg *config.Config, store *Store, transport *httpmock.MockTransport) *Geocoder {
	t.Helper()
	g, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("new geocoder: %v", err)
	}
	g.SetHTTPClient(&http.Client{Transport: transport})
	return g
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", `=~^http://geocode\.test/search`,
		httpmock.NewStringResponder(200, `[{"lat":"48.8666","lon":"2.3310"}]`))

	g := newTestGeocoder(t, cfg, nil, transport)

	first := g.Resolve(context.Background(), "12 rue de la paix 75002 paris")
	if !first.Latitude.Known || first.Latitude.Value != 48.8666 {
		t.Fatalf("Latitude = %+v, want 48.8666", first.Latitude)
	}
	if !first.Longitude.Known || first.Longitude.Value != 2.3310 {
		t.Fatalf("Longitude = %+v, want 2.3310", first.Longitude)
	}

	second := g.Resolve(context.Background(), "12 rue de la paix 75002 paris")
	if second != first {
		t.Fatalf("second resolve = %+v, want identical %+v", second, first)
	}

	if calls := transport.GetTotalCallCount(); calls != 1 {
		t.Errorf("external calls = %d, want 1", calls)
	}
	stats := g.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v, want 1 miss then 1 hit", stats)
	}
}

func TestResolveConcurrentMissesCoalesce(t *testing.T) {
	cfg := testConfig(t)

	// A slow responder keeps the first lookup in flight while the other
	// goroutines arrive, so they must all share its result.
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", `=~^http://geocode\.test/search`,
		func(req *http.Request) (*http.Response, error) {
			time.Sleep(150 * time.Millisecond)
			return httpmock.NewStringResponse(200, `[{"lat":"48.8666","lon":"2.3310"}]`), nil
		})

	g := newTestGeocoder(t, cfg, nil, transport)

	const workers = 8
	results := make([]Coordinates, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = g.Resolve(context.Background(), "12 rue de la paix 75002 paris")
		}(i)
	}
	close(start)
	wg.Wait()

	if calls := transport.GetTotalCallCount(); calls != 1 {
		t.Fatalf("external calls = %d, want 1 for concurrent resolves of one address", calls)
	}
	for i, got := range results {
		if !got.Latitude.Known || got.Latitude.Value != 48.8666 {
			t.Fatalf("results[%d].Latitude = %+v, want 48.8666", i, got.Latitude)
		}
	}
	if stats := g.Stats(); stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
}

func TestResolveNotFoundIsSilentAndCached(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", `=~^http://geocode\.test/search`,
		httpmock.NewStringResponder(200, `[]`))

	g := newTestGeocoder(t, cfg, nil, transport)

	got := g.Resolve(context.Background(), "adresse introuvable 75099 nulle-part")
	if got.Latitude.Known || got.Longitude.Known {
		t.Fatalf("coordinates = %+v, want unknown", got)
	}

	// The unresolved marker is fresh within the retry-after window, so a
	// second resolve must not call out again.
	g.Resolve(context.Background(), "adresse introuvable 75099 nulle-part")
	if calls := transport.GetTotalCallCount(); calls != 1 {
		t.Errorf("external calls = %d, want 1", calls)
	}
	if stats := g.Stats(); stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", stats.Failures)
	}
}

func TestResolveServerErrorYieldsUnknown(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", `=~^http://geocode\.test/search`,
		httpmock.NewStringResponder(503, "unavailable"))

	g := newTestGeocoder(t, cfg, nil, transport)

	got := g.Resolve(context.Background(), "5 rue oberkampf 75011 paris")
	if got.Latitude.Known || got.Longitude.Known {
		t.Fatalf("coordinates = %+v, want unknown after a lookup failure", got)
	}
	if stats := g.Stats(); stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", stats.Failures)
	}
}

func TestResolveEmptyAddress(t *testing.T) {
	cfg := testConfig(t)
	transport := httpmock.NewMockTransport()
	g := newTestGeocoder(t, cfg, nil, transport)

	got := g.Resolve(context.Background(), "   ")
	if got.Latitude.Known || got.Longitude.Known {
		t.Fatalf("coordinates = %+v, want unknown for empty address", got)
	}
	if calls := transport.GetTotalCallCount(); calls != 0 {
		t.Errorf("external calls = %d, want 0", calls)
	}
}

func TestResolveUsesDurableStoreAcrossInstances(t *testing.T) {
	cfg := testConfig(t)

	store, err := OpenStore(cfg.GeocodeCachePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", `=~^http://geocode\.test/search`,
		httpmock.NewStringResponder(200, `[{"lat":"45.7640","lon":"4.8357"}]`))

	first := newTestGeocoder(t, cfg, store, transport)
	first.Resolve(context.Background(), "10 quai de saone 69005 lyon")
	if calls := transport.GetTotalCallCount(); calls != 1 {
		t.Fatalf("external calls after first instance = %d, want 1", calls)
	}

	// A fresh geocoder over the same store simulates the next pipeline run:
	// its hot cache is empty but the durable entry must still short-circuit
	// the lookup.
	second := newTestGeocoder(t, cfg, store, transport)
	got := second.Resolve(context.Background(), "10 quai de saone 69005 lyon")
	if !got.Latitude.Known || got.Latitude.Value != 45.7640 {
		t.Fatalf("Latitude = %+v, want 45.7640 from the durable cache", got.Latitude)
	}
	if calls := transport.GetTotalCallCount(); calls != 1 {
		t.Errorf("external calls = %d, want still 1", calls)
	}
	if stats := second.Stats(); stats.Hits != 1 {
		t.Errorf("second instance hits = %d, want 1", stats.Hits)
	}
}

func TestResolveKeepsBaseURLQuery(t *testing.T) {
	cfg := testConfig(t)
	cfg.GeocoderBaseURL = "http://geocode.test/search?key=abc"

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", `=~^http://geocode\.test/search`,
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			if q.Get("key") != "abc" {
				t.Errorf("key = %q, want the base URL parameter preserved", q.Get("key"))
			}
			if q.Get("format") != "json" || q.Get("q") == "" {
				t.Errorf("query = %q, want format and q merged in", req.URL.RawQuery)
			}
			return httpmock.NewStringResponse(200, `[{"lat":"48.8666","lon":"2.3310"}]`), nil
		})

	g := newTestGeocoder(t, cfg, nil, transport)

	got := g.Resolve(context.Background(), "12 rue de la paix 75002 paris")
	if !got.Latitude.Known || got.Latitude.Value != 48.8666 {
		t.Fatalf("Latitude = %+v, want 48.8666", got.Latitude)
	}
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name    string
		address string
		country string
		want    string
	}{
		{
			name:    "arrondissement becomes postal code",
			address: "paris 2",
			country: "France",
			want:    "75002, France",
		},
		{
			name:    "zero padded arrondissement",
			address: "lyon 05",
			country: "France",
			want:    "69005, France",
		},
		{
			name:    "marseille arrondissement",
			address: "marseille 13",
			country: "France",
			want:    "13013, France",
		},
		{
			name:    "arrondissement out of range kept verbatim",
			address: "paris 21",
			country: "France",
			want:    "paris 21, France",
		},
		{
			name:    "explicit postal code skips shaping",
			address: "12 rue de la paix 75002 paris",
			country: "France",
			want:    "12 rue de la paix 75002 paris, France",
		},
		{
			name:    "no country",
			address: "paris 2",
			country: "",
			want:    "75002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildQuery(tt.address, tt.country); got != tt.want {
				t.Errorf("BuildQuery(%q, %q) = %q, want %q", tt.address, tt.country, got, tt.want)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "nested", "cache.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "unknown address"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent with no error", ok, err)
	}

	resolved := Entry{
		Address:     "12 rue de la paix 75002 paris",
		Latitude:    48.8686,
		Longitude:   2.3310,
		Resolved:    true,
		LastAttempt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Put(ctx, resolved); err != nil {
		t.Fatalf("Put(resolved) error = %v", err)
	}

	got, ok, err := store.Get(ctx, resolved.Address)
	if err != nil || !ok {
		t.Fatalf("Get(resolved) = ok=%v err=%v", ok, err)
	}
	if got != resolved {
		t.Errorf("round-trip = %+v, want %+v", got, resolved)
	}

	// Upsert flips a resolved entry to an unresolved marker and back.
	marker := Entry{
		Address:     resolved.Address,
		Resolved:    false,
		LastAttempt: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Put(ctx, marker); err != nil {
		t.Fatalf("Put(marker) error = %v", err)
	}
	got, ok, err = store.Get(ctx, resolved.Address)
	if err != nil || !ok {
		t.Fatalf("Get(marker) = ok=%v err=%v", ok, err)
	}
	if got.Resolved || got.Latitude != 0 || got.Longitude != 0 {
		t.Errorf("marker round-trip = %+v, want unresolved with zero coordinates", got)
	}
	if !got.LastAttempt.Equal(marker.LastAttempt) {
		t.Errorf("LastAttempt = %v, want %v", got.LastAttempt, marker.LastAttempt)
	}
}

func TestUnresolvedMarkerExpires(t *testing.T) {
	cfg := testConfig(t)
	cfg.GeocodeRetryAfter = time.Hour

	g, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new geocoder: %v", err)
	}

	stale := Entry{Address: "x", LastAttempt: time.Now().Add(-2 * time.Hour)}
	if g.fresh(stale) {
		t.Error("stale unresolved marker should expire")
	}
	recent := Entry{Address: "x", LastAttempt: time.Now().Add(-time.Minute)}
	if !g.fresh(recent) {
		t.Error("recent unresolved marker should be served")
	}
	resolved := Entry{Address: "x", Resolved: true, LastAttempt: time.Now().Add(-100 * 24 * time.Hour)}
	if !g.fresh(resolved) {
		t.Error("resolved entries never expire")
	}
}
