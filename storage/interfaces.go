// Package storage persists the final dataset. It is the single write point
// to durable storage; a failure here is fatal to the run.
package storage

import "github.com/tmarchal/immopipe/models"

// DatasetWriter persists a complete, merged dataset.
type DatasetWriter interface {
	Write(dataset models.Dataset) error
	Close() error
	Validate() error
}

// Columns is the documented output column set, in order. Unknown numeric
// fields serialize as empty cells or nulls, never zero.
var Columns = []string{
	"id",
	"price_eur",
	"surface_m2",
	"price_per_m2",
	"property_type",
	"rooms",
	"city",
	"postal_code",
	"normalized_address",
	"latitude",
	"longitude",
	"first_seen",
	"last_seen",
}
