package dedupe

import (
	"testing"
	"time"

	"github.com/tmarchal/immopipe/models"
)

var (
	day1 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	day2 = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	day3 = time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
)

func listing(id string, seen time.Time) models.CanonicalListing {
	return models.CanonicalListing{
		ID:                id,
		PriceEUR:          models.KnownFloat(185000),
		SurfaceM2:         models.KnownFloat(45),
		PricePerM2:        models.KnownFloat(4111.11),
		PropertyType:      models.PropertyApartment,
		Rooms:             models.KnownInt(2),
		City:              "paris",
		PostalCode:        "75002",
		NormalizedAddress: "12 rue de la paix 75002 paris",
		FirstSeen:         seen,
		LastSeen:          seen,
	}
}

func TestDedupe(t *testing.T) {
	t.Run("distinct ids pass through sorted", func(t *testing.T) {
		in := []models.CanonicalListing{listing("b", day1), listing("a", day1), listing("c", day1)}
		out := Dedupe(in)
		if len(out) != 3 {
			t.Fatalf("len = %d, want 3", len(out))
		}
		for i, want := range []string{"a", "b", "c"} {
			if out[i].ID != want {
				t.Errorf("out[%d].ID = %q, want %q", i, out[i].ID, want)
			}
		}
	})

	t.Run("more complete record wins", func(t *testing.T) {
		sparse := listing("a123", day2)
		sparse.SurfaceM2 = models.UnknownFloat()
		sparse.Rooms = models.Int{}
		sparse.PricePerM2 = models.UnknownFloat()
		full := listing("a123", day1)

		out := Dedupe([]models.CanonicalListing{sparse, full})
		if len(out) != 1 {
			t.Fatalf("len = %d, want 1", len(out))
		}
		got := out[0]
		if !got.SurfaceM2.Known || got.SurfaceM2.Value != 45 {
			t.Errorf("SurfaceM2 = %+v, want 45", got.SurfaceM2)
		}
		if !got.Rooms.Known || got.Rooms.Value != 2 {
			t.Errorf("Rooms = %+v, want 2", got.Rooms)
		}
		if !got.FirstSeen.Equal(day1) {
			t.Errorf("FirstSeen = %v, want earliest %v", got.FirstSeen, day1)
		}
		if !got.LastSeen.Equal(day2) {
			t.Errorf("LastSeen = %v, want latest %v", got.LastSeen, day2)
		}
	})

	t.Run("completeness tie goes to later retrieval", func(t *testing.T) {
		early := listing("a123", day1)
		early.City = "lyon"
		late := listing("a123", day2)

		out := Dedupe([]models.CanonicalListing{early, late})
		if len(out) != 1 {
			t.Fatalf("len = %d, want 1", len(out))
		}
		if out[0].City != "paris" {
			t.Errorf("City = %q, want the later record's %q", out[0].City, "paris")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		in := []models.CanonicalListing{listing("a", day1), listing("a", day2), listing("b", day1)}
		once := Dedupe(in)
		twice := Dedupe(once)
		if len(once) != len(twice) {
			t.Fatalf("len changed on second pass: %d != %d", len(once), len(twice))
		}
		for i := range once {
			if once[i] != twice[i] {
				t.Errorf("record %d changed on second pass: %+v != %+v", i, once[i], twice[i])
			}
		}
	})

	t.Run("price per m2 recomputed after fill", func(t *testing.T) {
		priced := listing("x", day2)
		priced.SurfaceM2 = models.UnknownFloat()
		priced.PricePerM2 = models.UnknownFloat()
		surfaced := listing("x", day1)
		surfaced.PriceEUR = models.UnknownFloat()
		surfaced.PricePerM2 = models.UnknownFloat()

		out := Dedupe([]models.CanonicalListing{priced, surfaced})
		if len(out) != 1 {
			t.Fatalf("len = %d, want 1", len(out))
		}
		if !out[0].PricePerM2.Known || out[0].PricePerM2.Value != 4111.11 {
			t.Errorf("PricePerM2 = %+v, want 4111.11 derived from merged fields", out[0].PricePerM2)
		}
	})
}

func TestMergeDatasets(t *testing.T) {
	t.Run("newer last seen wins conflicts", func(t *testing.T) {
		old := listing("a", day1)
		old.PriceEUR = models.KnownFloat(180000)
		recent := listing("a", day3)

		out := MergeDatasets(models.Dataset{old}, models.Dataset{recent})
		if len(out) != 1 {
			t.Fatalf("len = %d, want 1", len(out))
		}
		if out[0].PriceEUR.Value != 185000 {
			t.Errorf("PriceEUR = %v, want the newer 185000", out[0].PriceEUR.Value)
		}
		if !out[0].FirstSeen.Equal(day1) {
			t.Errorf("FirstSeen = %v, want preserved %v", out[0].FirstSeen, day1)
		}
		if !out[0].LastSeen.Equal(day3) {
			t.Errorf("LastSeen = %v, want %v", out[0].LastSeen, day3)
		}
	})

	t.Run("commutative", func(t *testing.T) {
		a := models.Dataset{listing("x", day1), listing("y", day2)}
		b := models.Dataset{listing("x", day3), listing("z", day1)}

		ab := MergeDatasets(a, b)
		ba := MergeDatasets(b, a)
		if len(ab) != len(ba) {
			t.Fatalf("len(ab)=%d len(ba)=%d", len(ab), len(ba))
		}
		for i := range ab {
			if ab[i] != ba[i] {
				t.Errorf("record %d differs by merge order: %+v != %+v", i, ab[i], ba[i])
			}
		}
	})

	t.Run("equal last seen conflicts are order independent", func(t *testing.T) {
		cheap := listing("x", day2)
		cheap.PriceEUR = models.KnownFloat(199000)
		dear := listing("x", day2)
		dear.PriceEUR = models.KnownFloat(210000)
		dear.Rooms = models.Int{}

		ab := MergeDatasets(models.Dataset{cheap}, models.Dataset{dear})
		ba := MergeDatasets(models.Dataset{dear}, models.Dataset{cheap})
		if ab[0] != ba[0] {
			t.Fatalf("merge depends on order: %+v != %+v", ab[0], ba[0])
		}
		// The more complete record supplies the conflicting price.
		if !ab[0].PriceEUR.Known || ab[0].PriceEUR.Value != 199000 {
			t.Errorf("PriceEUR = %+v, want 199000 from the more complete record", ab[0].PriceEUR)
		}

		full := listing("x", day2)
		full.PriceEUR = models.KnownFloat(210000)
		ab = MergeDatasets(models.Dataset{cheap}, models.Dataset{full})
		ba = MergeDatasets(models.Dataset{full}, models.Dataset{cheap})
		if ab[0] != ba[0] {
			t.Fatalf("completeness tie depends on order: %+v != %+v", ab[0], ba[0])
		}
	})

	t.Run("disjoint datasets union", func(t *testing.T) {
		out := MergeDatasets(models.Dataset{listing("a", day1)}, models.Dataset{listing("b", day2)})
		if len(out) != 2 {
			t.Fatalf("len = %d, want 2", len(out))
		}
		if out[0].ID != "a" || out[1].ID != "b" {
			t.Errorf("ids = %q, %q, want a, b", out[0].ID, out[1].ID)
		}
	})

	t.Run("newer record keeps coordinates from older", func(t *testing.T) {
		geocoded := listing("a", day1)
		geocoded.Latitude = models.KnownFloat(48.8566)
		geocoded.Longitude = models.KnownFloat(2.3522)
		fresh := listing("a", day2)

		out := MergeDatasets(models.Dataset{geocoded}, models.Dataset{fresh})
		if !out[0].Latitude.Known || out[0].Latitude.Value != 48.8566 {
			t.Errorf("Latitude = %+v, want filled from previous run", out[0].Latitude)
		}
	})
}
