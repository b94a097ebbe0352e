package market

import (
	"time"

	"github.com/google/uuid"
)

// PriceUpdateEvent records one detected price change. Created once per
// change, immutable, not retained after delivery.
type PriceUpdateEvent struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Delta  float64   `json:"delta"`
	At     time.Time `json:"at"`
}

// VolumeAlert records a volume spike at or above the configured threshold.
// A newer alert for the same symbol supersedes the previous one; a dismiss
// action clears it explicitly.
type VolumeAlert struct {
	ID             uuid.UUID `json:"id"`
	Symbol         string    `json:"symbol"`
	CurrentVolume  float64   `json:"current_volume"`
	PreviousVolume float64   `json:"previous_volume"`
	Ratio          float64   `json:"ratio"`
	At             time.Time `json:"at"`
}

// NewVolumeAlert builds an alert with a fresh identity.
func NewVolumeAlert(symbol string, previous, current, ratio float64, at time.Time) VolumeAlert {
	return VolumeAlert{
		ID:             uuid.New(),
		Symbol:         symbol,
		CurrentVolume:  current,
		PreviousVolume: previous,
		Ratio:          ratio,
		At:             at,
	}
}

// ConnectionStatus describes the engine's view of exchange connectivity.
// Each change replaces the previous value wholesale and is debounced before
// publication.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
