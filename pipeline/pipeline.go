// Package pipeline wires the stages together: fetch, extract, normalize,
// dedupe, geocode, merge with the previous dataset, and persist. Every stage
// before the final write degrades records instead of failing the batch; only
// the write is fatal.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tmarchal/immopipe/config"
	"github.com/tmarchal/immopipe/dedupe"
	"github.com/tmarchal/immopipe/extractor"
	"github.com/tmarchal/immopipe/fetcher"
	"github.com/tmarchal/immopipe/geocoder"
	"github.com/tmarchal/immopipe/models"
	"github.com/tmarchal/immopipe/normalizer"
	"github.com/tmarchal/immopipe/storage"
)

// WriterFactory creates the dataset writer. Creation is deferred until after
// the previous dataset has been loaded, because file writers truncate their
// target on creation.
type WriterFactory func() (storage.DatasetWriter, error)

// Pipeline runs one complete batch over the configured search URLs.
type Pipeline struct {
	cfg       *config.Config
	fetcher   *fetcher.Fetcher
	extractor *extractor.Extractor
	geocoder  *geocoder.Geocoder
	newWriter WriterFactory

	extracted prometheus.Counter
	written   prometheus.Counter
}

// New assembles a pipeline from its stages. reg may be nil.
func New(cfg *config.Config, f *fetcher.Fetcher, e *extractor.Extractor, g *geocoder.Geocoder, w WriterFactory, reg prometheus.Registerer) *Pipeline {
	extracted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "immopipe_listings_extracted_total",
		Help: "Raw listings produced by the extractor.",
	})
	written := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "immopipe_listings_written_total",
		Help: "Canonical listings persisted to the dataset.",
	})
	if reg != nil {
		reg.MustRegister(extracted, written)
	}

	return &Pipeline{
		cfg:       cfg,
		fetcher:   f,
		extractor: e,
		geocoder:  g,
		newWriter: w,
		extracted: extracted,
		written:   written,
	}
}

// Run executes the batch and returns its report. The returned error is
// non-nil only for failures that made the run unusable: no page could be
// fetched at all, or the final persist failed.
func (p *Pipeline) Run(ctx context.Context) (*models.RunReport, error) {
	report := &models.RunReport{StartTime: time.Now()}
	defer func() { report.EndTime = time.Now() }()

	fetched, err := p.fetcher.Run(ctx, p.cfg.SearchURLs())
	if fetched != nil {
		report.PagesFetched = len(fetched.Pages)
		report.PagesFailed = len(fetched.FailedURLs)
		report.FailedURLs = fetched.FailedURLs
		report.ErrorsByType = fetched.ErrorsByType
		report.RetryCount = fetched.RetryCount
	}
	if err != nil {
		return report, fmt.Errorf("fetch batch: %w", err)
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	raws := p.extract(fetched.Pages)
	report.ListingsExtracted = len(raws)

	canonical := make([]models.CanonicalListing, 0, len(raws))
	for _, raw := range raws {
		canonical = append(canonical, normalizer.Normalize(raw))
	}

	deduped := dedupe.Dedupe(canonical)
	report.ListingsDeduped = len(deduped)

	if err := p.geocode(ctx, deduped); err != nil {
		return report, err
	}
	stats := p.geocoder.Stats()
	report.GeocodeHits = stats.Hits
	report.GeocodeMisses = stats.Misses
	report.GeocodeFailures = stats.Failures

	merged, err := p.merge(deduped)
	if err != nil {
		return report, err
	}

	if err := p.persist(merged); err != nil {
		return report, err
	}
	report.ListingsWritten = len(merged)
	p.written.Add(float64(len(merged)))
	return report, nil
}

// persist is the single fatal failure point: a corrupted final write risks
// silent data loss, so any error here aborts the run.
func (p *Pipeline) persist(merged models.Dataset) error {
	writer, err := p.newWriter()
	if err != nil {
		return fmt.Errorf("create dataset writer: %w", err)
	}

	if err := writer.Write(merged); err != nil {
		writer.Close()
		return fmt.Errorf("persist dataset: %w", err)
	}
	if err := writer.Validate(); err != nil {
		writer.Close()
		return fmt.Errorf("validate dataset: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close dataset writer: %w", err)
	}
	return nil
}

// extract runs the extractor over every fetched page. Detail pages and
// search pages are handled uniformly; a page that fails to parse is logged
// and skipped, never fatal.
func (p *Pipeline) extract(pages []models.RawPage) []models.RawListing {
	var raws []models.RawListing
	for _, page := range pages {
		listings, err := p.extractor.Extract(page)
		if err != nil {
			slog.Warn("page extraction failed", slog.String("url", page.URL), slog.Any("error", err))
			continue
		}
		raws = append(raws, listings...)
	}
	p.extracted.Add(float64(len(raws)))
	return raws
}

// geocode resolves each distinct normalized address once and assigns the
// coordinates back onto every listing sharing it. Fan-out is bounded; the
// geocoder coalesces any remaining duplicate flights.
func (p *Pipeline) geocode(ctx context.Context, listings []models.CanonicalListing) error {
	seen := make(map[string]struct{})
	addresses := make([]string, 0, len(listings))
	for i := range listings {
		address := listings[i].NormalizedAddress
		if address == "" {
			continue
		}
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}
		addresses = append(addresses, address)
	}

	var mu sync.Mutex
	resolved := make(map[string]geocoder.Coordinates, len(addresses))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.GeocodeParallelism)
	for _, address := range addresses {
		group.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			coords := p.geocoder.Resolve(gctx, address)
			mu.Lock()
			resolved[address] = coords
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("geocode batch: %w", err)
	}

	for i := range listings {
		if coords, ok := resolved[listings[i].NormalizedAddress]; ok {
			listings[i].Latitude = coords.Latitude
			listings[i].Longitude = coords.Longitude
		}
	}
	return nil
}

// merge folds the current batch into the previously persisted dataset. The
// Postgres writer merges in-database, so it gets the batch as-is.
func (p *Pipeline) merge(current models.Dataset) (models.Dataset, error) {
	var (
		previous models.Dataset
		err      error
	)
	switch p.cfg.OutputFormat {
	case "csv", "dual":
		previous, err = storage.LoadCSV(p.cfg.OutputFile)
	case "json":
		previous, err = storage.LoadJSONL(p.cfg.OutputFile)
	case "postgres":
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load previous dataset: %w", err)
	}
	return dedupe.MergeDatasets(previous, current), nil
}
