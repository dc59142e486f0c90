package extractor

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tmarchal/immopipe/models"
)

func page(url, body string) models.RawPage {
	return models.RawPage{
		URL:         url,
		Body:        []byte(body),
		RetrievedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func searchPageHTML(cards int) string {
	var b strings.Builder
	b.WriteString("<html><body><main>")
	for i := 1; i <= cards; i++ {
		b.WriteString(fmt.Sprintf(`
			<article class="listing-card" data-listing-id="card-%d">
				<a href="/listings/card-%d">Voir l'annonce</a>
				<p class="price">%d0 000 €</p>
				<p class="surface">%d m²</p>
				<p class="rooms">%d pièces</p>
				<p class="property-type">Appartement</p>
				<p class="text-sm text-grey-400">%d rue de la Paix, 75002 Paris</p>
			</article>`, i, i, 10+i, 30+i, 1+i, i))
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

func detailPageHTML() string {
	var b strings.Builder
	b.WriteString("<html><body>")
	b.WriteString("<h1>Appartement 2 pièces - Paris 2e</h1>")
	b.WriteString(`<div class="details">`)
	b.WriteString("<div><p>Prix</p><p>185 000 €</p></div>")
	b.WriteString("<div><p>Surface</p><p>45 m²</p></div>")
	b.WriteString("<div><p>Pièces</p><p>2</p></div>")
	b.WriteString("<div><p>Type de bien</p><p>Appartement</p></div>")
	b.WriteString("</div>")
	b.WriteString(`<p class="text-sm text-grey-400">12 Rue de la Paix, 75002 Paris</p>`)
	b.WriteString(`<div class="description">Appartement lumineux de 45 m² avec balcon.</div>`)
	b.WriteString("</body></html>")
	return b.String()
}

func TestExtractSearchPage(t *testing.T) {
	e := New()
	listings, err := e.Extract(page("https://www.locamoi.fr/location/paris?page=1", searchPageHTML(3)))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(listings) != 3 {
		t.Fatalf("len(listings) = %d, want 3", len(listings))
	}

	first := listings[0]
	if first.SourceID != "card-1" {
		t.Errorf("SourceID = %q, want card-1", first.SourceID)
	}
	if first.PriceRaw != "110 000 €" {
		t.Errorf("PriceRaw = %q, want %q", first.PriceRaw, "110 000 €")
	}
	if first.SurfaceRaw != "31 m²" {
		t.Errorf("SurfaceRaw = %q, want %q", first.SurfaceRaw, "31 m²")
	}
	if first.RoomsRaw != "2 pièces" {
		t.Errorf("RoomsRaw = %q, want %q", first.RoomsRaw, "2 pièces")
	}
	if first.PropertyTypeRaw != "Appartement" {
		t.Errorf("PropertyTypeRaw = %q, want Appartement", first.PropertyTypeRaw)
	}
	if first.AddressRaw != "1 rue de la Paix, 75002 Paris" {
		t.Errorf("AddressRaw = %q", first.AddressRaw)
	}
	if first.SourceURL != "https://www.locamoi.fr/location/paris?page=1" {
		t.Errorf("SourceURL = %q", first.SourceURL)
	}
}

func TestExtractDetailPage(t *testing.T) {
	e := New()
	listings, err := e.Extract(page("https://www.locamoi.fr/listings/8842", detailPageHTML()))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("len(listings) = %d, want 1", len(listings))
	}

	got := listings[0]
	if got.SourceID != "8842" {
		t.Errorf("SourceID = %q, want 8842 from the page URL", got.SourceID)
	}
	if got.PriceRaw != "185 000 €" {
		t.Errorf("PriceRaw = %q, want %q", got.PriceRaw, "185 000 €")
	}
	if got.SurfaceRaw != "45 m²" {
		t.Errorf("SurfaceRaw = %q, want %q", got.SurfaceRaw, "45 m²")
	}
	if got.RoomsRaw != "2" {
		t.Errorf("RoomsRaw = %q, want 2", got.RoomsRaw)
	}
	if got.PropertyTypeRaw != "Appartement" {
		t.Errorf("PropertyTypeRaw = %q, want Appartement", got.PropertyTypeRaw)
	}
	if got.AddressRaw != "12 Rue de la Paix, 75002 Paris" {
		t.Errorf("AddressRaw = %q", got.AddressRaw)
	}
	if !strings.Contains(got.DescriptionRaw, "45 m²") {
		t.Errorf("DescriptionRaw = %q, want the description text", got.DescriptionRaw)
	}
}

func TestExtractNoListings(t *testing.T) {
	e := New()
	listings, err := e.Extract(page("https://www.locamoi.fr/location/paris?page=99",
		"<html><body><main><p>Aucune annonce ne correspond à votre recherche.</p></main></body></html>"))
	if err != nil {
		t.Fatalf("Extract() error = %v, want nil for a page with no listings", err)
	}
	if len(listings) != 0 {
		t.Errorf("len(listings) = %d, want 0", len(listings))
	}
}

func TestExtractMissingFieldsStayEmpty(t *testing.T) {
	e := New()
	html := `<html><body><article class="listing-card" data-listing-id="x1">
		<p class="price">120 000 €</p>
	</article></body></html>`
	listings, err := e.Extract(page("https://www.locamoi.fr/location/paris?page=1", html))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("len(listings) = %d, want 1", len(listings))
	}
	got := listings[0]
	if got.PriceRaw != "120 000 €" {
		t.Errorf("PriceRaw = %q", got.PriceRaw)
	}
	if got.SurfaceRaw != "" || got.RoomsRaw != "" || got.AddressRaw != "" {
		t.Errorf("missing fields should be empty, got surface=%q rooms=%q address=%q",
			got.SurfaceRaw, got.RoomsRaw, got.AddressRaw)
	}
}

func TestSetStrategy(t *testing.T) {
	e := New()
	e.SetStrategy("price", Selector{Name: "price", Query: "span.new-price"})

	html := `<html><body><article class="listing-card" data-listing-id="x1">
		<span class="new-price">240 000 €</span>
		<p class="price">ignored</p>
	</article></body></html>`
	listings, err := e.Extract(page("https://www.locamoi.fr/location/paris?page=1", html))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("len(listings) = %d, want 1", len(listings))
	}
	if listings[0].PriceRaw != "240 000 €" {
		t.Errorf("PriceRaw = %q, want the replacement strategy's value", listings[0].PriceRaw)
	}
}

func TestPatternFallback(t *testing.T) {
	e := New()
	html := `<html><body><article class="listing-card" data-listing-id="x1">
		<p>Maison à vendre 320 000 € quartier calme</p>
	</article></body></html>`
	listings, err := e.Extract(page("https://www.locamoi.fr/location/nantes?page=1", html))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("len(listings) = %d, want 1", len(listings))
	}
	if listings[0].PriceRaw != "320 000 €" {
		t.Errorf("PriceRaw = %q, want regex-recovered %q", listings[0].PriceRaw, "320 000 €")
	}
}

func TestDetailLinks(t *testing.T) {
	t.Run("resolved and deduplicated", func(t *testing.T) {
		html := `<html><body>
			<a href="/listings/aa">A</a>
			<a href="/listings/bb">B</a>
			<a href="/listings/aa">A again</a>
			<a href="https://www.locamoi.fr/listings/cc">C absolute</a>
			<a href="/location/paris?page=2">pagination</a>
		</body></html>`
		links, err := DetailLinks(page("https://www.locamoi.fr/location/paris?page=1", html))
		if err != nil {
			t.Fatalf("DetailLinks() error = %v", err)
		}
		want := []string{
			"https://www.locamoi.fr/listings/aa",
			"https://www.locamoi.fr/listings/bb",
			"https://www.locamoi.fr/listings/cc",
		}
		if len(links) != len(want) {
			t.Fatalf("links = %v, want %v", links, want)
		}
		for i := range want {
			if links[i] != want[i] {
				t.Errorf("links[%d] = %q, want %q", i, links[i], want[i])
			}
		}
	})

	t.Run("capped at page size", func(t *testing.T) {
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := 0; i < 30; i++ {
			fmt.Fprintf(&b, `<a href="/listings/l%d">x</a>`, i)
		}
		b.WriteString("</body></html>")

		links, err := DetailLinks(page("https://www.locamoi.fr/location/paris?page=1", b.String()))
		if err != nil {
			t.Fatalf("DetailLinks() error = %v", err)
		}
		if len(links) != 20 {
			t.Errorf("len(links) = %d, want 20", len(links))
		}
	})

	t.Run("no links", func(t *testing.T) {
		links, err := DetailLinks(page("https://www.locamoi.fr/location/paris?page=1", "<html><body></body></html>"))
		if err != nil {
			t.Fatalf("DetailLinks() error = %v", err)
		}
		if len(links) != 0 {
			t.Errorf("len(links) = %d, want 0", len(links))
		}
	})
}
