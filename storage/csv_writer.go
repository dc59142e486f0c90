package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tmarchal/immopipe/models"
)

// CSVWriter writes the dataset to a CSV file.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates (truncating) the output file and writes the header.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(Columns); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{file: f, writer: writer}, nil
}

// Write appends the dataset rows.
func (cw *CSVWriter) Write(dataset models.Dataset) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for i := range dataset {
		if err := cw.writer.Write(csvRecord(&dataset[i])); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content besides the header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

func csvRecord(c *models.CanonicalListing) []string {
	return []string{
		c.ID,
		c.PriceEUR.String(),
		c.SurfaceM2.String(),
		c.PricePerM2.String(),
		string(c.PropertyType),
		c.Rooms.String(),
		c.City,
		c.PostalCode,
		c.NormalizedAddress,
		c.Latitude.String(),
		c.Longitude.String(),
		c.FirstSeen.UTC().Format(time.RFC3339),
		c.LastSeen.UTC().Format(time.RFC3339),
	}
}

// LoadCSV reads a previously persisted dataset. A missing file is an empty
// dataset, not an error; a malformed file is an error because merging with
// garbage risks silent data loss.
func LoadCSV(filename string) (models.Dataset, error) {
	f, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open previous dataset: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read previous dataset header: %w", err)
	}
	if len(header) != len(Columns) {
		return nil, fmt.Errorf("previous dataset has %d columns, want %d", len(header), len(Columns))
	}

	var dataset models.Dataset
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read previous dataset row: %w", err)
		}
		listing, err := fromCSVRecord(record)
		if err != nil {
			return nil, fmt.Errorf("parse previous dataset row: %w", err)
		}
		dataset = append(dataset, listing)
	}
	return dataset, nil
}

func fromCSVRecord(record []string) (models.CanonicalListing, error) {
	firstSeen, err := time.Parse(time.RFC3339, record[11])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("first_seen: %w", err)
	}
	lastSeen, err := time.Parse(time.RFC3339, record[12])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("last_seen: %w", err)
	}

	price, err := parseFloatCell(record[1])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("price_eur: %w", err)
	}
	surface, err := parseFloatCell(record[2])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("surface_m2: %w", err)
	}
	ppm2, err := parseFloatCell(record[3])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("price_per_m2: %w", err)
	}
	rooms, err := parseIntCell(record[5])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("rooms: %w", err)
	}
	lat, err := parseFloatCell(record[9])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := parseFloatCell(record[10])
	if err != nil {
		return models.CanonicalListing{}, fmt.Errorf("longitude: %w", err)
	}

	return models.CanonicalListing{
		ID:                record[0],
		PriceEUR:          price,
		SurfaceM2:         surface,
		PricePerM2:        ppm2,
		PropertyType:      models.PropertyType(record[4]),
		Rooms:             rooms,
		City:              record[6],
		PostalCode:        record[7],
		NormalizedAddress: record[8],
		Latitude:          lat,
		Longitude:         lon,
		FirstSeen:         firstSeen.UTC(),
		LastSeen:          lastSeen.UTC(),
	}, nil
}

func parseFloatCell(cell string) (models.Float, error) {
	if cell == "" {
		return models.UnknownFloat(), nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return models.UnknownFloat(), err
	}
	return models.KnownFloat(v), nil
}

func parseIntCell(cell string) (models.Int, error) {
	if cell == "" {
		return models.Int{}, nil
	}
	v, err := strconv.Atoi(cell)
	if err != nil {
		return models.Int{}, err
	}
	return models.KnownInt(v), nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
