package mapper

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"coindash/internal/market"
	"coindash/internal/metrics"
	"coindash/internal/okx"
	"coindash/logger"
)

// Mapping failure reasons. MappingError wraps one of these so callers can
// branch on the kind while keeping the offending field in the message.
var (
	ErrIdentifierMismatch = errors.New("identifier mismatch")
	ErrInvalidNumber      = errors.New("invalid number")
)

// MappingError reports a raw record that could not be converted into a
// domain entity.
type MappingError struct {
	Symbol string
	Field  string
	Reason error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %s: field %s: %v", e.Symbol, e.Field, e.Reason)
}

func (e *MappingError) Unwrap() error { return e.Reason }

// Mapper converts raw exchange records into validated domain entities.
// It holds no per-symbol state; the only side effects are logs and counters.
type Mapper struct {
	log *logger.Log
}

func New() *Mapper {
	return &Mapper{log: logger.GetLogger()}
}

// MapInstrumentAndTicker joins one instrument record with its ticker and
// produces an Asset. The records must agree on the instrument identifier.
func (m *Mapper) MapInstrumentAndTicker(inst okx.Instrument, ticker okx.Ticker) (market.Asset, error) {
	if inst.InstID == "" || inst.InstID != ticker.InstID {
		return market.Asset{}, &MappingError{Symbol: inst.InstID, Field: "instId", Reason: ErrIdentifierMismatch}
	}

	price, err := parseDecimal(ticker.Last)
	if err != nil {
		return market.Asset{}, &MappingError{Symbol: inst.InstID, Field: "last", Reason: err}
	}

	open24h, err := parseDecimal(ticker.Open24h)
	if err != nil {
		return market.Asset{}, &MappingError{Symbol: inst.InstID, Field: "open24h", Reason: err}
	}

	volume, err := parseDecimal(ticker.Vol24h)
	if err != nil {
		return market.Asset{}, &MappingError{Symbol: inst.InstID, Field: "vol24h", Reason: err}
	}

	return market.Asset{
		Symbol:    inst.InstID,
		Name:      inst.BaseCcy,
		Price:     price,
		Change24h: price - open24h,
		Volume24h: volume,
		Status:    market.ParseListingStatus(inst.State),
		UpdatedAt: m.parseTimestamp(inst.InstID, ticker.Ts),
	}, nil
}

// MapList joins instruments with tickers by identifier. Instruments without
// a matching ticker are dropped silently; records that individually fail
// mapping are logged and skipped, never fatal to the batch.
func (m *Mapper) MapList(instruments []okx.Instrument, tickers []okx.Ticker) []market.Asset {
	byID := make(map[string]okx.Ticker, len(tickers))
	for _, t := range tickers {
		byID[t.InstID] = t
	}

	assets := make([]market.Asset, 0, len(instruments))
	for _, inst := range instruments {
		ticker, ok := byID[inst.InstID]
		if !ok {
			metrics.IncrementMappingDrop("no_ticker")
			continue
		}

		asset, err := m.MapInstrumentAndTicker(inst, ticker)
		if err != nil {
			metrics.IncrementMappingDrop("invalid_record")
			m.log.WithComponent("mapper").WithError(err).WithFields(logger.Fields{
				"symbol": inst.InstID,
			}).Warn("skipping unmappable instrument")
			continue
		}
		assets = append(assets, asset)
	}
	return assets
}

// FilterToTracked keeps only whitelisted assets, in whitelist order.
// Symbols absent from the input are simply missing from the output.
func (m *Mapper) FilterToTracked(assets []market.Asset, whitelist []string) []market.Asset {
	bySymbol := make(map[string]market.Asset, len(assets))
	for _, a := range assets {
		bySymbol[a.Symbol] = a
	}

	tracked := make([]market.Asset, 0, len(whitelist))
	for _, sym := range whitelist {
		if a, ok := bySymbol[sym]; ok {
			tracked = append(tracked, a)
		}
	}
	return tracked
}

// UpdateWithTicker recomputes price, change, volume and timestamp on an
// existing asset from a fresh ticker. Identity fields and the spike flag are
// preserved; spike state belongs to the detector.
func (m *Mapper) UpdateWithTicker(asset market.Asset, ticker okx.Ticker) (market.Asset, error) {
	if asset.Symbol != ticker.InstID {
		return asset, &MappingError{Symbol: asset.Symbol, Field: "instId", Reason: ErrIdentifierMismatch}
	}

	price, err := parseDecimal(ticker.Last)
	if err != nil {
		return asset, &MappingError{Symbol: asset.Symbol, Field: "last", Reason: err}
	}

	open24h, err := parseDecimal(ticker.Open24h)
	if err != nil {
		return asset, &MappingError{Symbol: asset.Symbol, Field: "open24h", Reason: err}
	}

	volume, err := parseDecimal(ticker.Vol24h)
	if err != nil {
		return asset, &MappingError{Symbol: asset.Symbol, Field: "vol24h", Reason: err}
	}

	return asset.WithMarketData(price, price-open24h, volume, m.parseTimestamp(asset.Symbol, ticker.Ts)), nil
}

// parseDecimal parses a decimal field, rejecting NaN, Infinity and anything
// that is not a plain number.
func parseDecimal(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return v, nil
}

// parseTimestamp parses a millisecond epoch. On failure it substitutes the
// current time instead of failing the record; the substitution is counted
// and logged so bad exchange data stays visible.
func (m *Mapper) parseTimestamp(symbol, ts string) time.Time {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || ms <= 0 {
		metrics.IncrementTimestampFallback()
		m.log.WithComponent("mapper").WithFields(logger.Fields{
			"symbol": symbol,
			"raw_ts": ts,
		}).Warn("unparseable ticker timestamp, substituting local time")
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
