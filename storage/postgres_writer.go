package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tmarchal/immopipe/models"
)

// PostgresWriter upserts the dataset into a listings table. The merge with
// previously persisted rows happens in-database: a conflicting row is only
// overwritten by a newer observation, and first_seen keeps its earliest
// value.
type PostgresWriter struct {
	db      *sql.DB
	written int
}

// NewPostgresWriter connects and ensures the schema exists.
func NewPostgresWriter(connStr string) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	w := &PostgresWriter{db: db}
	if err := w.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *PostgresWriter) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS listings (
		id                 TEXT PRIMARY KEY,
		price_eur          NUMERIC(12,2),
		surface_m2         NUMERIC(10,2),
		price_per_m2       NUMERIC(12,2),
		property_type      VARCHAR(16) NOT NULL,
		rooms              INTEGER,
		city               TEXT,
		postal_code        VARCHAR(5),
		normalized_address TEXT,
		latitude           DOUBLE PRECISION,
		longitude          DOUBLE PRECISION,
		first_seen         TIMESTAMPTZ NOT NULL,
		last_seen          TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_listings_postal_code   ON listings (postal_code);
	CREATE INDEX IF NOT EXISTS idx_listings_property_type ON listings (property_type);
	CREATE INDEX IF NOT EXISTS idx_listings_price_per_m2  ON listings (price_per_m2);
	`
	if _, err := w.db.Exec(query); err != nil {
		return fmt.Errorf("create listings table: %w", err)
	}
	return nil
}

// Write upserts all listings in a single transaction.
func (w *PostgresWriter) Write(dataset models.Dataset) (err error) {
	if len(dataset) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO listings (
			id, price_eur, surface_m2, price_per_m2, property_type, rooms,
			city, postal_code, normalized_address, latitude, longitude,
			first_seen, last_seen
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			price_eur          = excluded.price_eur,
			surface_m2         = excluded.surface_m2,
			price_per_m2       = excluded.price_per_m2,
			property_type      = excluded.property_type,
			rooms              = excluded.rooms,
			city               = excluded.city,
			postal_code        = excluded.postal_code,
			normalized_address = excluded.normalized_address,
			latitude           = excluded.latitude,
			longitude          = excluded.longitude,
			first_seen         = LEAST(listings.first_seen, excluded.first_seen),
			last_seen          = excluded.last_seen
		WHERE excluded.last_seen >= listings.last_seen
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range dataset {
		l := &dataset[i]
		_, err = stmt.Exec(
			l.ID,
			nullFloat(l.PriceEUR),
			nullFloat(l.SurfaceM2),
			nullFloat(l.PricePerM2),
			string(l.PropertyType),
			nullInt(l.Rooms),
			nullString(l.City),
			nullString(l.PostalCode),
			nullString(l.NormalizedAddress),
			nullFloat(l.Latitude),
			nullFloat(l.Longitude),
			l.FirstSeen.UTC(),
			l.LastSeen.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	w.written += len(dataset)
	return nil
}

// Close closes the database connection.
func (w *PostgresWriter) Close() error {
	return w.db.Close()
}

// Validate checks the listings table is reachable. An empty table is only a
// defect when this writer actually wrote rows; a run that fetched nothing
// still completes against a fresh database.
func (w *PostgresWriter) Validate() error {
	var count int
	if err := w.db.QueryRow("SELECT COUNT(*) FROM listings").Scan(&count); err != nil {
		return fmt.Errorf("count listings: %w", err)
	}
	if count == 0 && w.written > 0 {
		return fmt.Errorf("listings table is empty after writing %d listings", w.written)
	}
	return nil
}

func nullFloat(f models.Float) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f.Value, Valid: f.Known}
}

func nullInt(i models.Int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i.Value), Valid: i.Known}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
