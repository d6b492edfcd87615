// Package scraper turns kv.ee search result pages into structured listing
// records. The rest of the system only sees the Fetcher interface.
package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// SearchParams is the baseline query sent to the source. Zero values mean
// unconstrained.
type SearchParams struct {
	County   int
	DealType models.DealType
	PriceMin int
	PriceMax int
	PageSize int
}

// Fetcher produces a sequence of structured listing candidates, or a failure.
// An empty page is a failure, not "no listings".
type Fetcher interface {
	Fetch(ctx context.Context, params SearchParams) ([]models.Listing, error)
}

type KVClient struct {
	baseURL string
	client  *http.Client
}

func NewKVClient(baseURL string, timeout time.Duration) *KVClient {
	return &KVClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *KVClient) Fetch(ctx context.Context, params SearchParams) ([]models.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.searchURL(params), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransientSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search returned status %d", models.ErrTransientSource, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransientSource, err)
	}

	listings := parseSearchPage(doc, c.baseURL, params)
	if len(listings) == 0 {
		return nil, fmt.Errorf("%w: no listings parsed from search page", models.ErrTransientSource)
	}
	return listings, nil
}

// searchURL mirrors the site's simple-search query format. only_private_users
// is always set: agency listings are excluded at the source where possible
// and rejected again during ingestion.
func (c *KVClient) searchURL(params SearchParams) string {
	q := url.Values{}
	q.Set("act", "search.simple")
	q.Set("search_type", "new")
	q.Set("only_private_users", "1")

	pageSize := params.PageSize
	if pageSize == 0 {
		pageSize = 100
	}
	q.Set("page_size", strconv.Itoa(pageSize))

	if params.DealType.Valid() {
		q.Set("deal_type", strconv.Itoa(params.DealType.Code()))
	}
	if params.County != 0 {
		q.Set("county", strconv.Itoa(params.County))
	}
	if params.PriceMin != 0 {
		q.Set("price_min", strconv.Itoa(params.PriceMin))
	}
	if params.PriceMax != 0 {
		q.Set("price_max", strconv.Itoa(params.PriceMax))
	}

	return c.baseURL + "/?" + q.Encode()
}

func parseSearchPage(doc *goquery.Document, baseURL string, params SearchParams) []models.Listing {
	var listings []models.Listing

	doc.Find("tr.object-item").Each(func(_ int, row *goquery.Selection) {
		id, ok := row.Attr("id")
		if !ok || id == "" {
			return
		}

		l := models.Listing{
			ID:         id,
			URL:        baseURL + "/" + id,
			Title:      strings.TrimSpace(row.Find("a.object-title-a").Text()),
			Price:      parseInt(row.Find(".object-price-value").Text()),
			Rooms:      parseInt(row.Find("td.object-rooms").Text()),
			Area:       parseFloat(row.Find("td.object-m2").Text()),
			County:     params.County,
			DealType:   params.DealType,
			SellerType: models.SellerOwner,
		}

		if href, ok := row.Find("a.object-title-a").Attr("href"); ok && href != "" {
			l.URL = absoluteURL(baseURL, href)
		}
		if county, ok := row.Attr("data-county"); ok {
			if n := parseInt(county); n != 0 {
				l.County = n
			}
		}
		if deal, ok := row.Attr("data-deal-type"); ok {
			switch parseInt(deal) {
			case models.DealSale.Code():
				l.DealType = models.DealSale
			case models.DealRent.Code():
				l.DealType = models.DealRent
			}
		}
		if row.Find(".object-agency").Length() > 0 {
			l.SellerType = models.SellerAgency
		}

		row.Find("img").Each(func(_ int, img *goquery.Selection) {
			if src, ok := img.Attr("src"); ok && src != "" {
				l.ImageURLs = append(l.ImageURLs, absoluteURL(baseURL, src))
			}
		})

		listings = append(listings, l)
	})

	return listings
}

var (
	intRe   = regexp.MustCompile(`\d+`)
	floatRe = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

func parseInt(s string) int {
	m := intRe.FindString(strings.ReplaceAll(s, " ", ""))
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	m := floatRe.FindString(strings.ReplaceAll(s, " ", ""))
	if m == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return 0
	}
	return f
}

func absoluteURL(baseURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return baseURL + "/" + strings.TrimLeft(href, "/")
}
