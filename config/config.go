package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds pipeline configuration.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	Cities       []string      `yaml:"cities"`
	PagesPerCity int           `yaml:"pages_per_city"`
	FollowDetail bool          `yaml:"follow_detail"`
	Parallelism  int           `yaml:"parallelism"`
	Delay        time.Duration `yaml:"delay"`
	RandomDelay  time.Duration `yaml:"random_delay"`
	Timeout      time.Duration `yaml:"timeout"`

	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`

	GeocoderBaseURL    string        `yaml:"geocoder_base_url"`
	GeocoderUserAgent  string        `yaml:"geocoder_user_agent"`
	GeocoderEmail      string        `yaml:"geocoder_email"`
	GeocoderCountry    string        `yaml:"geocoder_country"`
	GeocodeDelay       time.Duration `yaml:"geocode_delay"`
	GeocodeParallelism int           `yaml:"geocode_parallelism"`
	GeocodeRetryAfter  time.Duration `yaml:"geocode_retry_after"`
	GeocodeCachePath   string        `yaml:"geocode_cache_path"`
	GeocodeCacheSize   int           `yaml:"geocode_cache_size"`

	OutputFile   string `yaml:"output_file"`
	OutputFormat string `yaml:"output_format"` // csv, json, dual, or postgres
	PostgresDSN  string `yaml:"postgres_dsn"`

	UserAgent        string `yaml:"user_agent"`
	MetricsAddr      string `yaml:"metrics_addr"`
	Verbose          bool   `yaml:"verbose"`
	RespectRobotsTxt bool   `yaml:"respect_robots_txt"`
}

// DefaultConfig returns conservative defaults for the notarial listings site.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://www.locamoi.fr",
		Cities:             []string{"paris"},
		PagesPerCity:       4,
		FollowDetail:       true,
		Parallelism:        2,
		Delay:              2 * time.Second,
		RandomDelay:        500 * time.Millisecond,
		Timeout:            10 * time.Second,
		MaxRetries:         3,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    8 * time.Second,
		GeocoderBaseURL:    "https://nominatim.openstreetmap.org/search",
		GeocoderUserAgent:  "immopipe/1.0",
		GeocoderCountry:    "France",
		GeocodeDelay:       time.Second,
		GeocodeParallelism: 1,
		GeocodeRetryAfter:  7 * 24 * time.Hour,
		GeocodeCachePath:   "data/geocode_cache.sqlite",
		GeocodeCacheSize:   4096,
		OutputFile:         "data/listings.csv",
		OutputFormat:       "csv",
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:            false,
		RespectRobotsTxt:   true,
	}
}

// SearchURLs builds the paginated search URLs for every configured city.
func (c *Config) SearchURLs() []string {
	urls := make([]string, 0, len(c.Cities)*c.PagesPerCity)
	base := strings.TrimRight(c.BaseURL, "/")
	for _, city := range c.Cities {
		slug := strings.ToLower(strings.TrimSpace(city))
		if slug == "" {
			continue
		}
		for page := 1; page <= c.PagesPerCity; page++ {
			urls = append(urls, fmt.Sprintf("%s/location/%s?page=%d", base, url.PathEscape(slug), page))
		}
	}
	return urls
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if len(c.Cities) == 0 {
		return fmt.Errorf("at least one city is required")
	}
	if c.PagesPerCity <= 0 {
		return fmt.Errorf("pages per city must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.GeocoderBaseURL == "" {
		return fmt.Errorf("geocoder base URL cannot be empty")
	}
	if c.GeocoderUserAgent == "" {
		return fmt.Errorf("geocoder user agent cannot be empty")
	}
	if c.GeocodeParallelism <= 0 {
		return fmt.Errorf("geocode parallelism must be positive")
	}
	if c.GeocodeDelay < 0 {
		return fmt.Errorf("geocode delay cannot be negative")
	}
	if c.GeocodeCachePath == "" {
		return fmt.Errorf("geocode cache path cannot be empty")
	}
	if c.GeocodeCacheSize <= 0 {
		return fmt.Errorf("geocode cache size must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "postgres":
	default:
		return fmt.Errorf("output format must be csv, json, dual, or postgres")
	}
	if c.OutputFormat == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgres format requires a DSN")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}
