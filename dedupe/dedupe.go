// Package dedupe collapses canonical listings that refer to the same
// underlying property and merges datasets across pipeline runs.
package dedupe

import (
	"sort"
	"strings"

	"github.com/tmarchal/immopipe/models"
	"github.com/tmarchal/immopipe/normalizer"
)

// Dedupe returns the input collapsed to one record per id, sorted by id.
// When two records share an id the more complete one wins; on a tie the more
// recently retrieved one wins. Applying Dedupe to an already-deduped
// sequence is a no-op.
func Dedupe(in []models.CanonicalListing) []models.CanonicalListing {
	byID := make(map[string]models.CanonicalListing, len(in))
	for _, listing := range in {
		current, ok := byID[listing.ID]
		if !ok {
			byID[listing.ID] = listing
			continue
		}
		byID[listing.ID] = mergeByCompleteness(current, listing)
	}
	return sorted(byID)
}

// MergeDatasets merges the previously persisted dataset with the current
// run's output. On conflicting fields the record with the newer last_seen
// wins; first_seen is preserved from the earliest occurrence. Merging A into
// B yields the same dataset as B into A.
func MergeDatasets(previous, current models.Dataset) models.Dataset {
	byID := make(map[string]models.CanonicalListing, len(previous)+len(current))
	for _, listing := range previous {
		byID[listing.ID] = listing
	}
	for _, listing := range current {
		existing, ok := byID[listing.ID]
		if !ok {
			byID[listing.ID] = listing
			continue
		}
		byID[listing.ID] = mergeByRecency(existing, listing)
	}
	return sorted(byID)
}

// mergeByCompleteness keeps the record with fewer unknown fields as the
// base, breaking ties toward the later retrieval.
func mergeByCompleteness(a, b models.CanonicalListing) models.CanonicalListing {
	base, other := a, b
	ua, ub := a.UnknownFields(), b.UnknownFields()
	if ub < ua || (ub == ua && b.LastSeen.After(a.LastSeen)) {
		base, other = b, a
	}
	return combine(base, other)
}

// mergeByRecency keeps the record with the newer last_seen as the base. At
// equal timestamps the more complete record wins, then a fixed field
// ordering, so the result never depends on which dataset came first.
func mergeByRecency(a, b models.CanonicalListing) models.CanonicalListing {
	base, other := a, b
	if lessRecent(a, b) {
		base, other = b, a
	}
	return combine(base, other)
}

// lessRecent reports whether a loses to b under the recency ordering.
func lessRecent(a, b models.CanonicalListing) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.Before(b.LastSeen)
	}
	ua, ub := a.UnknownFields(), b.UnknownFields()
	if ua != ub {
		return ua > ub
	}
	return fieldKey(a) > fieldKey(b)
}

// fieldKey is a stable serialization of the merge-relevant fields. Records
// with equal keys merge to the same result from either side.
func fieldKey(l models.CanonicalListing) string {
	return strings.Join([]string{
		l.PriceEUR.String(),
		l.SurfaceM2.String(),
		l.Rooms.String(),
		string(l.PropertyType),
		l.City,
		l.PostalCode,
		l.NormalizedAddress,
		l.Latitude.String(),
		l.Longitude.String(),
	}, "\x1f")
}

// combine fills the base record's unknown fields from the other record and
// fixes up the seen-window and the derived price per square meter.
func combine(base, other models.CanonicalListing) models.CanonicalListing {
	merged := base
	if !merged.PriceEUR.Known {
		merged.PriceEUR = other.PriceEUR
	}
	if !merged.SurfaceM2.Known {
		merged.SurfaceM2 = other.SurfaceM2
	}
	if !merged.Rooms.Known {
		merged.Rooms = other.Rooms
	}
	if merged.PropertyType == models.PropertyOther && other.PropertyType != models.PropertyOther {
		merged.PropertyType = other.PropertyType
	}
	if merged.City == "" {
		merged.City = other.City
	}
	if merged.PostalCode == "" {
		merged.PostalCode = other.PostalCode
	}
	if merged.NormalizedAddress == "" {
		merged.NormalizedAddress = other.NormalizedAddress
	}
	if !merged.Latitude.Known {
		merged.Latitude = other.Latitude
	}
	if !merged.Longitude.Known {
		merged.Longitude = other.Longitude
	}

	if other.FirstSeen.Before(merged.FirstSeen) {
		merged.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = other.LastSeen
	}

	// Derived, never carried over from either side.
	merged.PricePerM2 = normalizer.PricePerM2(merged.PriceEUR, merged.SurfaceM2)
	return merged
}

func sorted(byID map[string]models.CanonicalListing) []models.CanonicalListing {
	out := make([]models.CanonicalListing, 0, len(byID))
	for _, listing := range byID {
		out = append(out, listing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
