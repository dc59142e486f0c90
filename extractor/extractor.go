// Package extractor parses raw page payloads into raw listing records. Each
// field is extracted independently through a replaceable strategy, so a
// markup drift on the source site means swapping one strategy, not touching
// the pipeline.
package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tmarchal/immopipe/models"
)

// maxDetailLinksPerPage caps how many detail links a single search page can
// contribute, matching the source site's page size.
const maxDetailLinksPerPage = 20

var (
	detailHrefRe = regexp.MustCompile(`/listings/([A-Za-z0-9_-]+)`)
	priceTextRe  = regexp.MustCompile(`\d[\d\s\x{00a0}\x{202f}.,]*€`)
	surfaceRe    = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*m[²2]`)
)

// FieldStrategy extracts one raw field from a listing card selection. An
// empty return means the field was not present, which is never an error.
type FieldStrategy interface {
	Field() string
	Extract(card *goquery.Selection) string
}

// LabelSibling finds a <p> element whose text equals the label and returns
// the text of its following sibling <p> within the same block. This is the
// dominant structure on the source's detail pages.
type LabelSibling struct {
	Name  string
	Label string
}

// Field reports which raw field the strategy fills.
func (s LabelSibling) Field() string { return s.Name }

// Extract implements FieldStrategy.
func (s LabelSibling) Extract(card *goquery.Selection) string {
	var value string
	card.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if strings.TrimSpace(p.Text()) != s.Label {
			return true
		}
		parent := p.Parent()
		parent.Find("p").EachWithBreak(func(i int, sibling *goquery.Selection) bool {
			if i == 0 {
				return true
			}
			value = strings.TrimSpace(sibling.Text())
			return false
		})
		return value == ""
	})
	return value
}

// Selector extracts the trimmed text (or an attribute) of the first node
// matching a CSS selector.
type Selector struct {
	Name     string
	Query    string
	Attr     string
	Fallback FieldStrategy
}

// Field reports which raw field the strategy fills.
func (s Selector) Field() string { return s.Name }

// Extract implements FieldStrategy.
func (s Selector) Extract(card *goquery.Selection) string {
	node := card.Find(s.Query).First()
	value := ""
	if node.Length() > 0 {
		if s.Attr != "" {
			value, _ = node.Attr(s.Attr)
		} else {
			value = node.Text()
		}
		value = strings.TrimSpace(value)
	}
	if value == "" && s.Fallback != nil {
		value = s.Fallback.Extract(card)
	}
	return value
}

// Pattern extracts the first regex match over the card's full text. Used as
// a fallback for fields embedded in free text, e.g. a price inside a
// localized currency string.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// Field reports which raw field the strategy fills.
func (s Pattern) Field() string { return s.Name }

// Extract implements FieldStrategy.
func (s Pattern) Extract(card *goquery.Selection) string {
	return strings.TrimSpace(s.Re.FindString(card.Text()))
}

// chain tries strategies in order until one yields a value.
type chain struct {
	name       string
	strategies []FieldStrategy
}

func (c chain) Field() string { return c.name }

func (c chain) Extract(card *goquery.Selection) string {
	for _, s := range c.strategies {
		if v := s.Extract(card); v != "" {
			return v
		}
	}
	return ""
}

// Extractor turns raw pages into raw listings.
type Extractor struct {
	cardQuery  string
	strategies map[string]FieldStrategy
}

// New returns an extractor wired with the default strategies for the source
// site's current markup.
func New() *Extractor {
	return &Extractor{
		cardQuery: "article.listing-card, li.listing-card, div.listing-card, div[data-listing-id]",
		strategies: map[string]FieldStrategy{
			"price": chain{name: "price", strategies: []FieldStrategy{
				LabelSibling{Name: "price", Label: "Prix"},
				Selector{Name: "price", Query: ".price, p.price"},
				Pattern{Name: "price", Re: priceTextRe},
			}},
			"surface": chain{name: "surface", strategies: []FieldStrategy{
				LabelSibling{Name: "surface", Label: "Surface"},
				Selector{Name: "surface", Query: ".surface, p.surface"},
				Pattern{Name: "surface", Re: surfaceRe},
			}},
			"rooms": chain{name: "rooms", strategies: []FieldStrategy{
				LabelSibling{Name: "rooms", Label: "Pièces"},
				Selector{Name: "rooms", Query: ".rooms, p.rooms"},
			}},
			"property_type": chain{name: "property_type", strategies: []FieldStrategy{
				LabelSibling{Name: "property_type", Label: "Type de bien"},
				Selector{Name: "property_type", Query: ".property-type, p.property-type"},
			}},
			"address": Selector{
				Name:  "address",
				Query: "p.text-sm.text-grey-400",
				Fallback: Selector{
					Name:  "address",
					Query: ".address, p.address",
				},
			},
			"description": Selector{Name: "description", Query: ".description, div.description, p.description"},
		},
	}
}

// SetStrategy replaces the strategy for one field, the extension point for
// markup drift.
func (e *Extractor) SetStrategy(field string, s FieldStrategy) {
	e.strategies[field] = s
}

// Extract parses a page into zero or more raw listings. A page with no
// recognizable listing card yields an empty slice, distinguishing "nothing
// listed here" from a fetch failure.
func (e *Extractor) Extract(page models.RawPage) ([]models.RawListing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", page.URL, err)
	}

	var listings []models.RawListing
	doc.Find(e.cardQuery).Each(func(_ int, card *goquery.Selection) {
		listings = append(listings, e.extractCard(card, page))
	})
	if len(listings) > 0 {
		return listings, nil
	}

	// Detail pages carry a single listing at document level rather than a
	// repeated card structure.
	if e.looksLikeDetail(doc) {
		return []models.RawListing{e.extractCard(doc.Selection, page)}, nil
	}
	return nil, nil
}

func (e *Extractor) extractCard(card *goquery.Selection, page models.RawPage) models.RawListing {
	raw := models.RawListing{
		SourceID:        sourceID(card, page.URL),
		PriceRaw:        e.strategies["price"].Extract(card),
		SurfaceRaw:      e.strategies["surface"].Extract(card),
		RoomsRaw:        e.strategies["rooms"].Extract(card),
		PropertyTypeRaw: e.strategies["property_type"].Extract(card),
		AddressRaw:      e.strategies["address"].Extract(card),
		DescriptionRaw:  e.strategies["description"].Extract(card),
		SourceURL:       page.URL,
		RetrievedAt:     page.RetrievedAt,
	}
	return raw
}

func (e *Extractor) looksLikeDetail(doc *goquery.Document) bool {
	if doc.Find("h1").Length() == 0 {
		return false
	}
	for _, label := range []string{"Prix", "Surface", "Type de bien"} {
		found := false
		doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
			if strings.TrimSpace(p.Text()) == label {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// sourceID prefers an explicit data attribute on the card, then the listing
// id embedded in a detail link or the page URL itself.
func sourceID(card *goquery.Selection, pageURL string) string {
	if id, ok := card.Attr("data-listing-id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if href, ok := card.Find("a[href*='/listings/']").First().Attr("href"); ok {
		if m := detailHrefRe.FindStringSubmatch(href); m != nil {
			return m[1]
		}
	}
	if m := detailHrefRe.FindStringSubmatch(pageURL); m != nil {
		return m[1]
	}
	return ""
}

// DetailLinks harvests listing detail URLs from a search page, resolved
// against the page URL and deduplicated in document order.
func DetailLinks(page models.RawPage) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", page.URL, err)
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %s: %w", page.URL, err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href*='/listings/']").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, ok := a.Attr("href")
		if !ok || !detailHrefRe.MatchString(href) {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
		return len(links) < maxDetailLinksPerPage
	})
	return links, nil
}
