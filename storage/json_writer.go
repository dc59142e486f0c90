package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tmarchal/immopipe/models"
)

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
	written int
}

// NewJSONWriter initialises the JSONL writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends listings in JSONL format.
func (jw *JSONWriter) Write(dataset models.Dataset) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for i := range dataset {
		if err := jw.encoder.Encode(&dataset[i]); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	jw.written += len(dataset)
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file holds the rows that were written. A file
// left empty by an empty dataset is valid.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 && jw.written > 0 {
		return fmt.Errorf("json file is empty after writing %d listings", jw.written)
	}
	return nil
}

// LoadJSONL reads a previously persisted JSONL dataset. A missing file is an
// empty dataset.
func LoadJSONL(filename string) (models.Dataset, error) {
	f, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open previous dataset: %w", err)
	}
	defer f.Close()

	var dataset models.Dataset
	decoder := json.NewDecoder(f)
	for {
		var listing models.CanonicalListing
		if err := decoder.Decode(&listing); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode previous dataset: %w", err)
		}
		dataset = append(dataset, listing)
	}
	return dataset, nil
}
