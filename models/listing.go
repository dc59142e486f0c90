// Package models defines the record types flowing through the pipeline.
package models

import "time"

// PropertyType is the closed enumeration canonical listings are mapped into.
type PropertyType string

const (
	PropertyHouse     PropertyType = "house"
	PropertyApartment PropertyType = "apartment"
	PropertyLand      PropertyType = "land"
	PropertyOther     PropertyType = "other"
)

// RawPage is a fetched page payload. It is transient: the extractor consumes
// it and nothing downstream holds a reference to the body.
type RawPage struct {
	URL         string
	Body        []byte
	RetrievedAt time.Time
}

// RawListing is a single property mention as scraped, before any cleaning.
// Missing or unparseable fields are empty strings, never a failure.
type RawListing struct {
	SourceID        string
	PriceRaw        string
	SurfaceRaw      string
	PropertyTypeRaw string
	RoomsRaw        string
	AddressRaw      string
	DescriptionRaw  string
	SourceURL       string
	RetrievedAt     time.Time
}

// CanonicalListing is the normalized, analysis-ready record.
type CanonicalListing struct {
	ID                string       `json:"id"`
	PriceEUR          Float        `json:"price_eur"`
	SurfaceM2         Float        `json:"surface_m2"`
	PricePerM2        Float        `json:"price_per_m2"`
	PropertyType      PropertyType `json:"property_type"`
	Rooms             Int          `json:"rooms"`
	City              string       `json:"city"`
	PostalCode        string       `json:"postal_code"`
	NormalizedAddress string       `json:"normalized_address"`
	Latitude          Float        `json:"latitude"`
	Longitude         Float        `json:"longitude"`
	FirstSeen         time.Time    `json:"first_seen"`
	LastSeen          time.Time    `json:"last_seen"`
}

// UnknownFields counts absent fields. The deduplicator prefers the record
// with the lower count when two share an id.
func (c *CanonicalListing) UnknownFields() int {
	n := 0
	if !c.PriceEUR.Known {
		n++
	}
	if !c.SurfaceM2.Known {
		n++
	}
	if !c.Rooms.Known {
		n++
	}
	if c.City == "" {
		n++
	}
	if c.PostalCode == "" {
		n++
	}
	if c.NormalizedAddress == "" {
		n++
	}
	if !c.Latitude.Known {
		n++
	}
	if !c.Longitude.Known {
		n++
	}
	return n
}

// Dataset is an ordered-by-id set of canonical listings, unique by id.
type Dataset []CanonicalListing

// RunReport aggregates the counters a completed run must surface so that
// partial failures stay observable.
type RunReport struct {
	StartTime         time.Time
	EndTime           time.Time
	PagesFetched      int
	PagesFailed       int
	FailedURLs        []string
	ErrorsByType      map[string]int
	RetryCount        int
	ListingsExtracted int
	ListingsDeduped   int
	GeocodeHits       int
	GeocodeMisses     int
	GeocodeFailures   int
	ListingsWritten   int
}
