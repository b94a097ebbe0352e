package spike

import (
	"sync"
	"time"

	"coindash/internal/market"
	"coindash/internal/metrics"
	"coindash/logger"
)

// DefaultThreshold is the spike ratio at which an alert fires (50% growth).
const DefaultThreshold = 0.5

// Detector flags abnormal volume growth per symbol. It owns the
// last-observed volume map; mapping and scheduling never touch spike state.
type Detector struct {
	threshold float64
	log       *logger.Log

	mu       sync.Mutex
	previous map[string]float64
}

func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		threshold: threshold,
		log:       logger.GetLogger(),
		previous:  make(map[string]float64),
	}
}

// Seed installs a baseline volume for a symbol without evaluating it.
// Used at initial load so the first refresh compares against real data.
func (d *Detector) Seed(symbol string, volume float64) {
	d.mu.Lock()
	d.previous[symbol] = volume
	d.mu.Unlock()
}

// Evaluate compares current volume against the provided previous value and
// reports an alert when the growth ratio reaches the threshold. The stored
// previous-volume for the symbol is always replaced with current, regardless
// of outcome, so the next evaluation compares against the latest observation.
// A previous volume of zero or less never fires (guards divide-by-zero).
func (d *Detector) Evaluate(symbol string, previous, current float64) (market.VolumeAlert, bool) {
	d.mu.Lock()
	d.previous[symbol] = current
	d.mu.Unlock()

	if previous <= 0 {
		return market.VolumeAlert{}, false
	}

	ratio := (current - previous) / previous
	if ratio < d.threshold {
		return market.VolumeAlert{}, false
	}

	alert := market.NewVolumeAlert(symbol, previous, current, ratio, time.Now().UTC())
	metrics.IncrementVolumeAlert(symbol)
	logger.IncrementAlertFired()
	d.log.WithComponent("spike_detector").WithFields(logger.Fields{
		"symbol":   symbol,
		"previous": previous,
		"current":  current,
		"ratio":    ratio,
	}).Info("volume spike detected")

	return alert, true
}

// Observe evaluates current volume against the stored previous observation
// for the symbol.
func (d *Detector) Observe(symbol string, current float64) (market.VolumeAlert, bool) {
	d.mu.Lock()
	previous := d.previous[symbol]
	d.mu.Unlock()

	return d.Evaluate(symbol, previous, current)
}

// Previous returns the stored last-observed volume for a symbol.
func (d *Detector) Previous(symbol string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previous[symbol]
}
