// Package fetcher collects raw pages from the listings source with bounded
// concurrency, politeness delays, and retry with exponential backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/tmarchal/immopipe/config"
	"github.com/tmarchal/immopipe/extractor"
	"github.com/tmarchal/immopipe/models"
)

// Result is what a fetch batch produced: the collected pages plus the
// failure accounting the run report needs.
type Result struct {
	Pages        []models.RawPage
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
}

// Fetcher wraps the colly collector and retry logic for the listings source.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	metrics   *Metrics

	requestCount int64

	mu           sync.Mutex
	pages        []models.RawPage
	failedURLs   []string
	errorsByType map[string]int
	visited      map[string]bool

	handlersOnce sync.Once
}

// New builds a fetcher configured from cfg. Metrics may be nil.
func New(cfg *config.Config, metrics *Metrics) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	// Revisits must stay allowed: colly marks a URL visited when the request
	// is issued, which would block retrying it. Link dedup happens in
	// markNew instead.
	opts := []colly.CollectorOption{
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	}
	if cfg.FollowDetail {
		opts = append(opts, colly.MaxDepth(2))
	}
	collector := colly.NewCollector(opts...)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	f := &Fetcher{
		cfg:          cfg,
		collector:    collector,
		metrics:      metrics,
		errorsByType: make(map[string]int),
		visited:      make(map[string]bool),
	}
	f.retry = newRetryManager(collector, cfg, metrics)
	return f, nil
}

// SetTransport replaces the collector's transport, for tests.
func (f *Fetcher) SetTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// Run visits every given URL, following detail links when configured, and
// returns the collected pages. A page that fails permanently is recorded and
// skipped; one bad page never aborts the batch.
func (f *Fetcher) Run(ctx context.Context, urls []string) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f.retry.SetContext(ctx)
	f.configureHandlers(ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.collector.Wait()
			f.retry.Stop()
		case <-done:
		}
	}()

	visited := 0
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		if !f.markNew(u) {
			continue
		}
		if err := f.collector.Visit(u); err != nil {
			f.recordFailure(u, classifyError(err, 0))
			continue
		}
		visited++
	}
	if visited == 0 && len(urls) > 0 && ctx.Err() == nil {
		f.collector.Wait()
		f.retry.Stop()
		return f.snapshotResult(), fmt.Errorf("no search URL could be visited")
	}

	f.collector.Wait()
	// Retries fire from timers after Wait returns; drain them so exhausted
	// URLs are accounted for before the batch is declared done. The trailing
	// Wait catches a retry that fired between the last Wait and the check.
	for f.retry.Pending() > 0 && ctx.Err() == nil {
		time.Sleep(25 * time.Millisecond)
		f.collector.Wait()
	}
	f.collector.Wait()
	f.retry.Stop()
	return f.snapshotResult(), nil
}

func (f *Fetcher) configureHandlers(ctx context.Context) {
	f.handlersOnce.Do(func() {
		f.collector.OnRequest(func(r *colly.Request) {
			if ctx.Err() != nil {
				r.Abort()
				return
			}
			r.Ctx.Put("start", time.Now())
			current := atomic.AddInt64(&f.requestCount, 1)
			f.metrics.IncRequest("started")
			if current%25 == 0 {
				slog.Debug("fetch progress",
					slog.Int64("requests", current),
					slog.String("url", r.URL.String()),
				)
			}
		})

		f.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				f.metrics.ObserveDuration(time.Since(start))
			}
			if r.StatusCode >= http.StatusBadRequest {
				return
			}

			body := make([]byte, len(r.Body))
			copy(body, r.Body)
			page := models.RawPage{
				URL:         r.Request.URL.String(),
				Body:        body,
				RetrievedAt: time.Now().UTC(),
			}

			f.mu.Lock()
			f.pages = append(f.pages, page)
			f.mu.Unlock()
			f.metrics.IncPages()

			if f.cfg.FollowDetail {
				f.followDetails(ctx, r, page)
			}
		})

		f.collector.OnError(func(r *colly.Response, err error) {
			statusCode := 0
			pageURL := ""
			if r != nil {
				statusCode = r.StatusCode
				if r.Request != nil && r.Request.URL != nil {
					pageURL = r.Request.URL.String()
				}
			}
			classified := classifyError(err, statusCode)

			slog.Warn("fetch error",
				slog.String("url", pageURL),
				slog.String("category", errorTypeLabel(classified)),
				slog.Any("error", err),
			)

			if retryable(classified) && f.retry.Schedule(pageURL) {
				return
			}
			if retryable(classified) {
				// Retries exhausted: the page is unavailable for this run.
				classified = ErrUnavailable{Status: statusCode, Err: err}
			}
			f.recordFailure(pageURL, classified)
		})
	})
}

// followDetails queues the detail links harvested from a freshly collected
// page, capped per page by the harvester. Request.Visit carries the depth
// forward, so MaxDepth keeps detail pages from spawning further visits.
func (f *Fetcher) followDetails(ctx context.Context, r *colly.Response, page models.RawPage) {
	if ctx.Err() != nil {
		return
	}
	links, err := extractor.DetailLinks(page)
	if err != nil {
		slog.Debug("detail link harvest failed", slog.String("url", page.URL), slog.Any("error", err))
		return
	}
	for _, link := range links {
		if !f.markNew(link) {
			continue
		}
		r.Request.Visit(link)
	}
}

// markNew records a URL as scheduled and reports whether it was new. Retries
// bypass it: they re-issue a URL that is already marked.
func (f *Fetcher) markNew(u string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visited[u] {
		return false
	}
	f.visited[u] = true
	return true
}

func (f *Fetcher) recordFailure(pageURL string, classified error) {
	label := errorTypeLabel(classified)
	f.mu.Lock()
	f.errorsByType[label]++
	f.failedURLs = append(f.failedURLs, pageURL)
	f.mu.Unlock()
	f.metrics.IncError(label)
}

func (f *Fetcher) snapshotResult() *Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	pages := make([]models.RawPage, len(f.pages))
	copy(pages, f.pages)
	failed := make([]string, len(f.failedURLs))
	copy(failed, f.failedURLs)
	errs := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		errs[k] = v
	}

	return &Result{
		Pages:        pages,
		FailedURLs:   failed,
		ErrorsByType: errs,
		RetryCount:   f.retry.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&f.requestCount)),
	}
}

func classifyError(err error, statusCode int) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode >= 400 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		if statusCode < 500 {
			return ErrClientRejected{Status: statusCode, Err: wrapped}
		}
		return ErrUnavailable{Status: statusCode, Err: wrapped}
	}

	if err == nil {
		return nil
	}
	return err
}
