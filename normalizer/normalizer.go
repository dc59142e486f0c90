// Package normalizer converts raw scraped listings into canonical records:
// locale-tolerant numeric coercion, property-type mapping, address
// canonicalization, and stable id derivation.
package normalizer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tmarchal/immopipe/models"
)

// idSchemeVersion prefixes every listing id. Bump it if the hash inputs or
// the normalization feeding them ever change, so old and new ids cannot
// collide silently.
const (
	idSchemeSource  = "v1"
	idSchemeContent = "v1c"
)

var (
	amountRe     = regexp.MustCompile(`\d+(?:[\s\x{00a0}\x{202f}.]\d{3})*(?:[.,]\d+)?`)
	postalCodeRe = regexp.MustCompile(`\b(\d{5})\b`)
	cityAfterCP  = regexp.MustCompile(`\b\d{5}\s+([a-z][a-z '-]*)$`)
	roomsRe      = regexp.MustCompile(`\d+`)

	surfaceCarrezRe    = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m[²2]\s*(?:carrez|loi carrez)`)
	surfaceHabitableRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m[²2]\s*habitables?`)
	surfacePhraseRe    = regexp.MustCompile(`(?i)(?:de|d'environ|d'une surface de)\s*(\d+(?:[.,]\d+)?)\s*m[²2]`)
	surfaceAnyRe       = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m[²2]`)
	surfaceApproxRe    = regexp.MustCompile(`(?i)environ\s*(\d+)`)

	stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Normalize converts a raw listing into its canonical form. It is
// deterministic: the only timestamp it touches is the retrieval time carried
// on the raw record.
func Normalize(raw models.RawListing) models.CanonicalListing {
	price := ParseAmount(raw.PriceRaw)
	rooms := ParseRooms(raw.RoomsRaw)
	surface := ParseAmount(raw.SurfaceRaw)
	if !surface.Known {
		surface = RecoverSurface(raw.DescriptionRaw, rooms)
	}

	address := NormalizeAddress(raw.AddressRaw)
	postal := ExtractPostalCode(address)
	city := ExtractCity(address)

	retrieved := raw.RetrievedAt.UTC()
	return models.CanonicalListing{
		ID:                ListingID(raw.SourceID, address, price, surface),
		PriceEUR:          price,
		SurfaceM2:         surface,
		PricePerM2:        PricePerM2(price, surface),
		PropertyType:      MapPropertyType(raw.PropertyTypeRaw),
		Rooms:             rooms,
		City:              city,
		PostalCode:        postal,
		NormalizedAddress: address,
		FirstSeen:         retrieved,
		LastSeen:          retrieved,
	}
}

// ParseAmount coerces a localized numeric string ("185 000 €", "72,5 m²",
// "1.250.000") into a non-negative number. Anything unparseable is unknown,
// never zero.
func ParseAmount(text string) models.Float {
	match := amountRe.FindString(text)
	if match == "" {
		return models.UnknownFloat()
	}

	// A trailing ',' or '.' followed by one or two digits is the decimal
	// separator; every other separator is digit grouping.
	runes := []rune(match)
	decimal := -1
	for i, r := range runes {
		if r == ',' || r == '.' {
			if rest := len(runes) - i - 1; rest >= 1 && rest <= 2 {
				decimal = i
			}
		}
	}

	var b strings.Builder
	for i, r := range runes {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case i == decimal:
			b.WriteRune('.')
		}
	}

	value, err := strconv.ParseFloat(b.String(), 64)
	if err != nil || value < 0 {
		return models.UnknownFloat()
	}
	return models.KnownFloat(value)
}

// RecoverSurface pulls a habitable surface out of free text when the
// structured field is missing. Descriptions routinely mention balcony, cave
// and terrace surfaces, so extraction is prioritized: Carrez, then
// "habitable", then the standard "de N m²" phrasing, then the largest value
// above a plausibility floor.
func RecoverSurface(description string, rooms models.Int) models.Float {
	if strings.TrimSpace(description) == "" {
		return models.UnknownFloat()
	}

	// Studios can legitimately be tiny; larger units below 25 m² are far
	// more likely to be an annex surface.
	floor := 25.0
	if rooms.Known && rooms.Value <= 1 {
		floor = 12.0
	}

	if m := surfaceCarrezRe.FindStringSubmatch(description); m != nil {
		return parseDecimal(m[1])
	}
	if m := surfaceHabitableRe.FindStringSubmatch(description); m != nil {
		return parseDecimal(m[1])
	}
	if m := surfacePhraseRe.FindStringSubmatch(description); m != nil {
		if v := parseDecimal(m[1]); v.Known && v.Value >= floor {
			return v
		}
	}

	if matches := surfaceAnyRe.FindAllStringSubmatch(description, -1); matches != nil {
		best := models.UnknownFloat()
		fallback := models.UnknownFloat()
		for _, m := range matches {
			v := parseDecimal(m[1])
			if !v.Known {
				continue
			}
			if !fallback.Known || v.Value > fallback.Value {
				fallback = v
			}
			if v.Value >= floor && (!best.Known || v.Value > best.Value) {
				best = v
			}
		}
		if best.Known {
			return best
		}
		if fallback.Known {
			return fallback
		}
	}

	if m := surfaceApproxRe.FindStringSubmatch(description); m != nil {
		if v := parseDecimal(m[1]); v.Known && v.Value >= floor {
			return v
		}
	}
	return models.UnknownFloat()
}

func parseDecimal(s string) models.Float {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || v < 0 {
		return models.UnknownFloat()
	}
	return models.KnownFloat(v)
}

// ParseRooms extracts the first integer from a room-count string.
func ParseRooms(text string) models.Int {
	match := roomsRe.FindString(text)
	if match == "" {
		return models.Int{}
	}
	v, err := strconv.Atoi(match)
	if err != nil || v < 0 {
		return models.Int{}
	}
	return models.KnownInt(v)
}

// MapPropertyType folds free text into the closed enumeration. Unrecognized
// text maps to "other" so no listing is ever dropped over its type.
func MapPropertyType(text string) models.PropertyType {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return models.PropertyOther
	case containsAny(t, "maison", "villa", "pavillon", "house"):
		return models.PropertyHouse
	case containsAny(t, "appartement", "apartment", "studio", "duplex", "flat"):
		return models.PropertyApartment
	case containsAny(t, "terrain", "parcelle", "land"):
		return models.PropertyLand
	default:
		return models.PropertyOther
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// NormalizeAddress lower-cases, strips accents and punctuation noise, and
// collapses whitespace, yielding the canonical form used as the geocoding
// cache key.
func NormalizeAddress(text string) string {
	stripped, _, err := transform.String(stripMarks, text)
	if err != nil {
		stripped = text
	}
	lower := strings.ToLower(stripped)

	var b strings.Builder
	for _, r := range lower {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ExtractPostalCode finds a five-digit postal code in a normalized address.
func ExtractPostalCode(normalizedAddress string) string {
	if m := postalCodeRe.FindStringSubmatch(normalizedAddress); m != nil {
		return m[1]
	}
	return ""
}

// ExtractCity returns the locality trailing the postal code, if any.
func ExtractCity(normalizedAddress string) string {
	if m := cityAfterCP.FindStringSubmatch(normalizedAddress); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// PricePerM2 derives the price per square meter, rounded to two decimals.
// It is unknown whenever either input is unknown; it is never stored
// independently of its inputs.
func PricePerM2(price, surface models.Float) models.Float {
	if !price.Known || !surface.Known || surface.Value <= 0 {
		return models.UnknownFloat()
	}
	return models.KnownFloat(math.Round(price.Value/surface.Value*100) / 100)
}

// ListingID derives the stable listing identifier. With a source id the hash
// input is the id itself; without one it is the normalized address plus the
// canonical price and surface renderings, joined with '|'. The scheme
// version prefixes the hex digest.
func ListingID(sourceID, normalizedAddress string, price, surface models.Float) string {
	if s := strings.TrimSpace(sourceID); s != "" {
		return fmt.Sprintf("%s:%016x", idSchemeSource, xxhash.Sum64String(s))
	}
	input := normalizedAddress + "|" + price.String() + "|" + surface.String()
	return fmt.Sprintf("%s:%016x", idSchemeContent, xxhash.Sum64String(input))
}
