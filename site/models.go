package site

import "time"

// Site captures the merchant site configuration the purchase flow reads.
type Site struct {
	SiteID            string
	BusinessGroupID   string
	Name              string
	URL               string
	PostbackURL       string
	FraudEnabled      bool
	ThreeDEnabled     bool
	BinRoutingEnabled bool
	Active            bool
	UpdatedAt         time.Time
}
