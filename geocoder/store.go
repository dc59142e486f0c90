package geocoder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one durable cache record: a normalized address mapped to
// coordinates, or an explicit unresolved marker with the attempt timestamp
// that drives the retry-after-expiry policy.
type Entry struct {
	Address     string
	Latitude    float64
	Longitude   float64
	Resolved    bool
	LastAttempt time.Time
}

// Store is the durable geocoding cache, keyed by normalized address. It
// persists across pipeline runs so overlapping listings never re-incur
// external lookups.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the SQLite cache at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open geocode cache: %w", err)
	}
	// The cache has a single writer per process; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS geocode_cache (
		address      TEXT PRIMARY KEY,
		latitude     REAL,
		longitude    REAL,
		resolved     INTEGER NOT NULL,
		last_attempt INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create geocode cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get fetches the entry for a normalized address, reporting whether one
// exists.
func (s *Store) Get(ctx context.Context, address string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, latitude, longitude, resolved, last_attempt
		 FROM geocode_cache WHERE address = ?`, address)

	var (
		entry    Entry
		lat, lon sql.NullFloat64
		resolved int
		attempt  int64
	)
	err := row.Scan(&entry.Address, &lat, &lon, &resolved, &attempt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read geocode cache: %w", err)
	}

	entry.Resolved = resolved != 0
	if entry.Resolved {
		entry.Latitude = lat.Float64
		entry.Longitude = lon.Float64
	}
	entry.LastAttempt = time.Unix(attempt, 0).UTC()
	return entry, true, nil
}

// Put upserts an entry.
func (s *Store) Put(ctx context.Context, entry Entry) error {
	var lat, lon any
	if entry.Resolved {
		lat, lon = entry.Latitude, entry.Longitude
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO geocode_cache (address, latitude, longitude, resolved, last_attempt)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (address) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			resolved = excluded.resolved,
			last_attempt = excluded.last_attempt`,
		entry.Address, lat, lon, boolToInt(entry.Resolved), entry.LastAttempt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("write geocode cache: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
