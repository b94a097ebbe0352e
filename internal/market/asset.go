package market

import "time"

// ListingStatus is the lifecycle taxonomy an exchange listing is mapped onto.
type ListingStatus int

const (
	StatusActive ListingStatus = iota
	StatusSuspended
	StatusDelisted
)

func (s ListingStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusDelisted:
		return "delisted"
	default:
		return "unknown"
	}
}

// ParseListingStatus maps exchange-specific state strings to the listing
// taxonomy. Unrecognized states map to active; that leniency keeps freshly
// introduced exchange states from hiding an instrument, at the cost of
// potentially showing a genuinely delisted one. Reviewable policy choice.
func ParseListingStatus(state string) ListingStatus {
	switch state {
	case "live":
		return StatusActive
	case "suspend", "suspended":
		return StatusSuspended
	case "delisted", "expired":
		return StatusDelisted
	default:
		return StatusActive
	}
}

// Asset is a tracked cryptocurrency with its live market state. Values are
// replaced wholesale; nothing outside the engine mutates an Asset in place.
type Asset struct {
	Symbol         string        `json:"symbol"`
	Name           string        `json:"name"`
	Price          float64       `json:"price"`
	Change24h      float64       `json:"change_24h"`
	Volume24h      float64       `json:"volume_24h"`
	Status         ListingStatus `json:"status"`
	UpdatedAt      time.Time     `json:"updated_at"`
	HasVolumeSpike bool          `json:"has_volume_spike"`
}

// WithMarketData returns a copy carrying new price, change, volume and
// timestamp. Identity fields and the spike flag are untouched; spike state
// is owned by the detector.
func (a Asset) WithMarketData(price, change, volume float64, at time.Time) Asset {
	a.Price = price
	a.Change24h = change
	a.Volume24h = volume
	a.UpdatedAt = at
	return a
}

// WithSpike returns a copy with the volume-spike flag set to v.
func (a Asset) WithSpike(v bool) Asset {
	a.HasVolumeSpike = v
	return a
}

// WithStatus returns a copy with the listing status replaced.
func (a Asset) WithStatus(s ListingStatus) Asset {
	a.Status = s
	return a
}
