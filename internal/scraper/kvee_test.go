package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
)

const searchFixture = `
<html><body><table>
<tr class="object-item" id="3677222" data-county="9" data-deal-type="3">
  <td class="object-name"><a class="object-title-a" href="/3677222">Kesklinn, 2-toaline korter</a></td>
  <td><span class="object-price-value">80 000 &euro;</span></td>
  <td class="object-rooms">2</td>
  <td class="object-m2">55,3</td>
  <td><img src="/img/3677222.jpg"></td>
</tr>
<tr class="object-item" id="3677223" data-county="9" data-deal-type="3">
  <td class="object-name"><a class="object-title-a" href="/3677223">Maakleri pakkumine</a></td>
  <td><span class="object-price-value">120 000 &euro;</span></td>
  <td class="object-rooms">3</td>
  <td class="object-m2">74</td>
  <td><span class="object-agency">Agentuur OÜ</span></td>
</tr>
<tr class="object-item"><td>row without id is skipped</td></tr>
</table></body></html>`

func TestParseSearchPage(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(searchFixture))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}

	listings := parseSearchPage(doc, "https://www.kv.ee", SearchParams{County: 9, DealType: models.DealSale})
	if len(listings) != 2 {
		t.Fatalf("parsed %d listings, want 2", len(listings))
	}

	first := listings[0]
	if first.ID != "3677222" {
		t.Errorf("ID = %q, want 3677222", first.ID)
	}
	if first.Price != 80000 {
		t.Errorf("Price = %d, want 80000", first.Price)
	}
	if first.Area != 55.3 {
		t.Errorf("Area = %v, want 55.3", first.Area)
	}
	if first.Rooms != 2 {
		t.Errorf("Rooms = %d, want 2", first.Rooms)
	}
	if first.County != 9 {
		t.Errorf("County = %d, want 9", first.County)
	}
	if first.DealType != models.DealSale {
		t.Errorf("DealType = %q, want sale", first.DealType)
	}
	if first.SellerType != models.SellerOwner {
		t.Errorf("SellerType = %q, want owner", first.SellerType)
	}
	if first.URL != "https://www.kv.ee/3677222" {
		t.Errorf("URL = %q", first.URL)
	}
	if len(first.ImageURLs) != 1 || first.ImageURLs[0] != "https://www.kv.ee/img/3677222.jpg" {
		t.Errorf("ImageURLs = %v", first.ImageURLs)
	}

	if listings[1].SellerType != models.SellerAgency {
		t.Errorf("agency row SellerType = %q, want agency", listings[1].SellerType)
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewKVClient(srv.URL, 5*time.Second)
	_, err := c.Fetch(context.Background(), SearchParams{})
	if !errors.Is(err, models.ErrTransientSource) {
		t.Errorf("Fetch error = %v, want ErrTransientSource", err)
	}
}

func TestFetchEmptyPageIsTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body></body></html>"))
	}))
	defer srv.Close()

	c := NewKVClient(srv.URL, 5*time.Second)
	_, err := c.Fetch(context.Background(), SearchParams{})
	if !errors.Is(err, models.ErrTransientSource) {
		t.Errorf("empty page should be a transient failure, got %v", err)
	}
}

func TestSearchURL(t *testing.T) {
	c := NewKVClient("https://www.kv.ee", time.Second)
	u := c.searchURL(SearchParams{County: 9, DealType: models.DealSale, PriceMin: 50000, PriceMax: 300000})

	for _, want := range []string{
		"act=search.simple",
		"only_private_users=1",
		"deal_type=3",
		"county=9",
		"price_min=50000",
		"price_max=300000",
		"page_size=100",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("search URL missing %q: %s", want, u)
		}
	}
}
