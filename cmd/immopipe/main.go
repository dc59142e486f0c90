package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tmarchal/immopipe/config"
	"github.com/tmarchal/immopipe/extractor"
	"github.com/tmarchal/immopipe/fetcher"
	"github.com/tmarchal/immopipe/geocoder"
	"github.com/tmarchal/immopipe/models"
	"github.com/tmarchal/immopipe/pipeline"
	"github.com/tmarchal/immopipe/storage"
)

func main() {
	_ = godotenv.Load()

	defaultCfg := config.DefaultConfig()

	configFile := flag.String("config", "", "Optional YAML config file")
	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Listings site base URL")
	cities := flag.String("cities", strings.Join(defaultCfg.Cities, ","), "Comma-separated city slugs to search")
	pagesPerCity := flag.Int("pages", defaultCfg.PagesPerCity, "Search pages to fetch per city")
	followDetail := flag.Bool("follow-detail", defaultCfg.FollowDetail, "Follow listing detail links from search pages")
	parallelism := flag.Int("parallel", defaultCfg.Parallelism, "Number of concurrent requests")
	delayMs := flag.Int("delay", int(defaultCfg.Delay/time.Millisecond), "Minimum delay between requests (milliseconds)")
	randomDelayMs := flag.Int("random-delay", int(defaultCfg.RandomDelay/time.Millisecond), "Random jitter added to delay (milliseconds)")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per URL")
	retryBackoffMs := flag.Int("retry-backoff", int(defaultCfg.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", int(defaultCfg.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)")
	geocodeCache := flag.String("geocode-cache", defaultCfg.GeocodeCachePath, "Durable geocode cache path")
	outputFile := flag.String("output", defaultCfg.OutputFile, "Output file path")
	outputFormat := flag.String("format", defaultCfg.OutputFormat, "Output format: csv, json, dual, or postgres")
	postgresDSN := flag.String("postgres-dsn", defaultCfg.PostgresDSN, "Postgres DSN (format=postgres)")
	metricsAddr := flag.String("metrics-addr", defaultCfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	// Precedence: defaults, then YAML file, then environment, then flags
	// the user explicitly passed.
	cfg := config.DefaultConfig()
	if *configFile != "" {
		if err := config.LoadFile(*configFile, cfg); err != nil {
			slog.Error("loading config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if err := applyEnv(cfg); err != nil {
		slog.Error("invalid environment", slog.Any("error", err))
		os.Exit(1)
	}
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "base-url":
			cfg.BaseURL = *baseURL
		case "cities":
			cfg.Cities = splitCities(*cities)
		case "pages":
			cfg.PagesPerCity = *pagesPerCity
		case "follow-detail":
			cfg.FollowDetail = *followDetail
		case "parallel":
			cfg.Parallelism = *parallelism
		case "delay":
			cfg.Delay = time.Duration(*delayMs) * time.Millisecond
		case "random-delay":
			cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "retry-backoff":
			cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
		case "retry-backoff-max":
			cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
		case "geocode-cache":
			cfg.GeocodeCachePath = *geocodeCache
		case "output":
			cfg.OutputFile = *outputFile
		case "format":
			cfg.OutputFormat = strings.ToLower(*outputFormat)
		case "postgres-dsn":
			cfg.PostgresDSN = *postgresDSN
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Verbose {
		level.Set(slog.LevelDebug)
	}

	slog.Info("starting pipeline",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("cities", len(cfg.Cities)),
		slog.Int("pages_per_city", cfg.PagesPerCity),
		slog.Int("workers", cfg.Parallelism),
	)

	registry := prometheus.NewRegistry()

	f, err := fetcher.New(cfg, fetcher.NewMetrics(registry))
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := geocoder.OpenStore(cfg.GeocodeCachePath)
	if err != nil {
		slog.Error("opening geocode cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("close geocode cache", slog.Any("error", err))
		}
	}()

	g, err := geocoder.New(cfg, store, registry)
	if err != nil {
		slog.Error("initialising geocoder", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.New(cfg, f, extractor.New(), g, writerFactory(cfg), registry)
	report, err := p.Run(ctx)
	if err != nil {
		slog.Error("pipeline run failed", slog.Any("error", err))
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(report, cfg.OutputFile)
}

func applyEnv(cfg *config.Config) error {
	if value, ok := config.EnvString("IMMOPIPE_BASE_URL"); ok {
		cfg.BaseURL = value
	}
	if value, ok := config.EnvStrings("IMMOPIPE_CITIES"); ok {
		cfg.Cities = value
	}
	if value, ok, err := config.EnvInt("IMMOPIPE_PAGES"); err != nil {
		return err
	} else if ok {
		cfg.PagesPerCity = value
	}
	if value, ok, err := config.EnvInt("IMMOPIPE_PARALLEL"); err != nil {
		return err
	} else if ok {
		cfg.Parallelism = value
	}
	if value, ok := config.EnvString("IMMOPIPE_OUTPUT"); ok {
		cfg.OutputFile = value
	}
	if value, ok := config.EnvString("IMMOPIPE_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = value
	}
	if value, ok := config.EnvString("IMMOPIPE_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok := config.EnvString("IMMOPIPE_GEOCODER_EMAIL"); ok {
		cfg.GeocoderEmail = value
	}
	return nil
}

func splitCities(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writerFactory(cfg *config.Config) pipeline.WriterFactory {
	return func() (storage.DatasetWriter, error) {
		switch cfg.OutputFormat {
		case "json":
			return storage.NewJSONWriter(cfg.OutputFile)
		case "csv":
			return storage.NewCSVWriter(cfg.OutputFile)
		case "dual":
			jsonFilename := strings.TrimSuffix(cfg.OutputFile, ".csv") + ".json"
			return storage.NewDualWriter(cfg.OutputFile, jsonFilename)
		case "postgres":
			return storage.NewPostgresWriter(cfg.PostgresDSN)
		default:
			return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
		}
	}
}

func printSummary(report *models.RunReport, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Pipeline run complete")
	fmt.Printf("  Pages fetched:      %d\n", report.PagesFetched)
	fmt.Printf("  Pages failed:       %d\n", report.PagesFailed)
	if len(report.ErrorsByType) > 0 {
		fmt.Printf("  Error types:        %v\n", report.ErrorsByType)
	}
	fmt.Printf("  Retries:            %d\n", report.RetryCount)
	fmt.Printf("  Listings extracted: %d\n", report.ListingsExtracted)
	fmt.Printf("  Listings deduped:   %d\n", report.ListingsDeduped)
	fmt.Printf("  Geocode hits:       %d\n", report.GeocodeHits)
	fmt.Printf("  Geocode misses:     %d\n", report.GeocodeMisses)
	fmt.Printf("  Geocode failures:   %d\n", report.GeocodeFailures)
	fmt.Printf("  Listings written:   %d\n", report.ListingsWritten)
	fmt.Printf("  Duration:           %v\n", report.EndTime.Sub(report.StartTime).Round(time.Millisecond))
	fmt.Printf("  Output:             %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
