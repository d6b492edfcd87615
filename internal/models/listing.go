package models

import "time"

type DealType string

const (
	DealSale DealType = "sale"
	DealRent DealType = "rent"
)

// KV.ee encodes deal types numerically in its search URLs.
var dealTypeCodes = map[DealType]int{
	DealSale: 3,
	DealRent: 2,
}

func (d DealType) Code() int {
	return dealTypeCodes[d]
}

func (d DealType) Valid() bool {
	_, ok := dealTypeCodes[d]
	return ok
}

type SellerType string

const (
	SellerOwner  SellerType = "owner"
	SellerAgency SellerType = "agency"
)

// County codes are a fixed enumeration on the source site (9 = Tallinn).
const (
	CountyMin = 1
	CountyMax = 15
)

func ValidCounty(c int) bool {
	return c >= CountyMin && c <= CountyMax
}

// Listing is a single property record from the source. Immutable once stored;
// the identifier is the sole identity key, a changed price does not produce a
// new event.
type Listing struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Price       int        `json:"price"`
	Area        float64    `json:"area"`
	Rooms       int        `json:"rooms"`
	County      int        `json:"county"`
	DealType    DealType   `json:"deal_type"`
	SellerType  SellerType `json:"seller_type"`
	ImageURLs   []string   `json:"image_urls,omitempty"`
	YearBuilt   int        `json:"year_built,omitempty"`
	Condition   string     `json:"condition,omitempty"`
	Story       int        `json:"story,omitempty"`
	EnergyLabel string     `json:"energy_label,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
}
