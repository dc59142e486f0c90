// Package geocoder resolves normalized addresses into coordinates through an
// external lookup service, with a durable cache in front of it so repeated
// runs and repeated addresses never multiply external calls.
package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/tmarchal/immopipe/config"
	"github.com/tmarchal/immopipe/models"
)

var arrondissementRe = regexp.MustCompile(`\b(paris|lyon|marseille)\s+0*(\d{1,2})\b`)

var arrondissementBase = map[string]int{
	"paris":     75000,
	"lyon":      69000,
	"marseille": 13000,
}

// Coordinates is a resolved latitude/longitude pair. Either both fields are
// known or neither is.
type Coordinates struct {
	Latitude  models.Float
	Longitude models.Float
}

// Stats are the lookup counters surfaced in the run report.
type Stats struct {
	Hits     int
	Misses   int
	Failures int
}

// Geocoder is the cache-first address resolver. Concurrent lookups for the
// same address are coalesced into a single external call.
type Geocoder struct {
	cfg    *config.Config
	client *http.Client
	store  *Store
	hot    *lru.Cache[string, Entry]
	group  singleflight.Group

	delayMu  sync.Mutex
	lastCall time.Time

	hits     int64
	misses   int64
	failures int64

	lookups *prometheus.CounterVec
}

// New builds a geocoder over the given durable store. reg may be nil.
func New(cfg *config.Config, store *Store, reg prometheus.Registerer) (*Geocoder, error) {
	hot, err := lru.New[string, Entry](cfg.GeocodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}

	lookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "immopipe_geocode_lookups_total",
			Help: "Geocode lookups by outcome.",
		},
		[]string{"result"},
	)
	if reg != nil {
		reg.MustRegister(lookups)
	}

	return &Geocoder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		store:   store,
		hot:     hot,
		lookups: lookups,
	}, nil
}

// SetHTTPClient replaces the HTTP client, for tests.
func (g *Geocoder) SetHTTPClient(client *http.Client) {
	g.client = client
}

// Stats returns a snapshot of the lookup counters.
func (g *Geocoder) Stats() Stats {
	return Stats{
		Hits:     int(atomic.LoadInt64(&g.hits)),
		Misses:   int(atomic.LoadInt64(&g.misses)),
		Failures: int(atomic.LoadInt64(&g.failures)),
	}
}

// Resolve returns the coordinates for a normalized address, or unknowns when
// the address is empty or the service cannot resolve it. A geocoding failure
// never surfaces as an error: the listing keeps its other fields.
func (g *Geocoder) Resolve(ctx context.Context, address string) Coordinates {
	address = strings.TrimSpace(address)
	if address == "" {
		return Coordinates{}
	}

	if entry, ok := g.hot.Get(address); ok && g.fresh(entry) {
		g.count(&g.hits, "hit")
		return entryCoordinates(entry)
	}

	// Coalesce concurrent misses for the same address into one flight.
	result, _, _ := g.group.Do(address, func() (any, error) {
		return g.resolveSlow(ctx, address), nil
	})
	return result.(Coordinates)
}

func (g *Geocoder) resolveSlow(ctx context.Context, address string) Coordinates {
	if entry, ok := g.hot.Get(address); ok && g.fresh(entry) {
		g.count(&g.hits, "hit")
		return entryCoordinates(entry)
	}

	if g.store != nil {
		entry, ok, err := g.store.Get(ctx, address)
		if err != nil {
			slog.Warn("geocode cache read failed", slog.Any("error", err))
		} else if ok && g.fresh(entry) {
			g.hot.Add(address, entry)
			g.count(&g.hits, "hit")
			return entryCoordinates(entry)
		}
	}

	lat, lon, found, err := g.lookup(ctx, address)
	entry := Entry{Address: address, LastAttempt: time.Now().UTC()}
	switch {
	case err != nil:
		g.count(&g.failures, "failure")
		slog.Warn("geocode lookup failed", slog.String("address", address), slog.Any("error", err))
	case !found:
		g.count(&g.failures, "failure")
		slog.Debug("geocode no result", slog.String("address", address))
	default:
		entry.Resolved = true
		entry.Latitude = lat
		entry.Longitude = lon
		g.count(&g.misses, "miss")
	}

	g.hot.Add(address, entry)
	if g.store != nil {
		if err := g.store.Put(ctx, entry); err != nil {
			slog.Warn("geocode cache write failed", slog.Any("error", err))
		}
	}
	return entryCoordinates(entry)
}

// fresh reports whether a cached entry may be served. Resolved entries never
// expire; unresolved markers are retried once they outlive the configured
// retry-after window.
func (g *Geocoder) fresh(entry Entry) bool {
	if entry.Resolved {
		return true
	}
	if g.cfg.GeocodeRetryAfter <= 0 {
		return true
	}
	return time.Since(entry.LastAttempt) < g.cfg.GeocodeRetryAfter
}

// lookup performs the external call with the same retry discipline as the
// fetcher. An empty result set is definitive, not retried.
func (g *Geocoder) lookup(ctx context.Context, address string) (lat, lon float64, found bool, err error) {
	query := BuildQuery(address, g.cfg.GeocoderCountry)

	attempts := g.cfg.MaxRetries + 1
	backoff := g.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff * time.Duration(1<<(attempt-1))
			if max := g.cfg.RetryBackoffMax; max > 0 && delay > max {
				delay = max
			}
			select {
			case <-ctx.Done():
				return 0, 0, false, ctx.Err()
			case <-time.After(delay):
			}
		}

		lat, lon, found, err = g.lookupOnce(ctx, query)
		if err == nil {
			return lat, lon, found, nil
		}
		if ctx.Err() != nil {
			return 0, 0, false, ctx.Err()
		}
	}
	return 0, 0, false, err
}

func (g *Geocoder) lookupOnce(ctx context.Context, query string) (float64, float64, bool, error) {
	g.politenessWait()

	endpoint, err := url.Parse(g.cfg.GeocoderBaseURL)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse geocoder base url: %w", err)
	}
	params := endpoint.Query()
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("q", query)
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, 0, false, fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.GeocoderUserAgent)
	req.Header.Set("Accept-Language", "fr")
	if g.cfg.GeocoderEmail != "" {
		req.Header.Set("From", g.cfg.GeocoderEmail)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, 0, false, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, false, fmt.Errorf("geocoder responded with status %d", resp.StatusCode)
	}

	var payload []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, 0, false, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(payload) == 0 {
		return 0, 0, false, nil
	}

	lat, err := strconv.ParseFloat(payload[0].Lat, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse latitude %q: %w", payload[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(payload[0].Lon, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse longitude %q: %w", payload[0].Lon, err)
	}
	return lat, lon, true, nil
}

// politenessWait spaces external calls by the configured minimum delay.
func (g *Geocoder) politenessWait() {
	if g.cfg.GeocodeDelay <= 0 {
		return
	}
	g.delayMu.Lock()
	defer g.delayMu.Unlock()

	if elapsed := time.Since(g.lastCall); elapsed < g.cfg.GeocodeDelay {
		time.Sleep(g.cfg.GeocodeDelay - elapsed)
	}
	g.lastCall = time.Now()
}

func (g *Geocoder) count(counter *int64, label string) {
	atomic.AddInt64(counter, 1)
	if g.lookups != nil {
		g.lookups.WithLabelValues(label).Inc()
	}
}

func entryCoordinates(entry Entry) Coordinates {
	if !entry.Resolved {
		return Coordinates{}
	}
	return Coordinates{
		Latitude:  models.KnownFloat(entry.Latitude),
		Longitude: models.KnownFloat(entry.Longitude),
	}
}

// BuildQuery shapes the lookup query: an arrondissement mention in Paris,
// Lyon or Marseille becomes its postal code for precision, and the country
// is appended to disambiguate commune names, unless the address already
// carries a postal code.
func BuildQuery(address, country string) string {
	if !hasPostalCode(address) {
		if m := arrondissementRe.FindStringSubmatch(address); m != nil {
			if base, ok := arrondissementBase[m[1]]; ok {
				if arr, err := strconv.Atoi(m[2]); err == nil && arr >= 1 && arr <= 20 {
					if country != "" {
						return fmt.Sprintf("%d, %s", base+arr, country)
					}
					return strconv.Itoa(base + arr)
				}
			}
		}
	}
	if country != "" {
		return address + ", " + country
	}
	return address
}

var postalCodeRe = regexp.MustCompile(`\b\d{5}\b`)

func hasPostalCode(address string) bool {
	return postalCodeRe.MatchString(address)
}
