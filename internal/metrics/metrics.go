// Registers:
//
//	#coindash_ticker_fetch_success_total
//	#coindash_ticker_fetch_errors_total
//	#coindash_timestamp_fallbacks_total
//	#coindash_mapping_drops_total
//	#coindash_bus_dropped_events_total
//	#coindash_volume_alerts_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once               sync.Once
	fetchSuccess       *prometheus.CounterVec
	fetchErrors        *prometheus.CounterVec
	timestampFallbacks prometheus.Counter
	mappingDrops       *prometheus.CounterVec
	busDroppedEvents   *prometheus.CounterVec
	volumeAlerts       *prometheus.CounterVec
)

// Init registers the engine's counters and serves them over HTTP. Safe to
// call more than once; only the first call has effect.
func Init(addr string) {
	once.Do(func() {
		fetchSuccess = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coindash_ticker_fetch_success_total",
				Help: "Number of successful ticker fetch cycles per symbol",
			},
			[]string{"symbol"},
		)

		fetchErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coindash_ticker_fetch_errors_total",
				Help: "Number of failed ticker fetch attempts per symbol",
			},
			[]string{"symbol"},
		)

		timestampFallbacks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coindash_timestamp_fallbacks_total",
				Help: "Number of ticker timestamps that failed to parse and were replaced with local time",
			},
		)

		mappingDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coindash_mapping_drops_total",
				Help: "Number of instrument/ticker records dropped during mapping",
			},
			[]string{"reason"},
		)

		busDroppedEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coindash_bus_dropped_events_total",
				Help: "Number of events dropped because a subscriber channel was full",
			},
			[]string{"type"},
		)

		volumeAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coindash_volume_alerts_total",
				Help: "Number of volume spike alerts raised per symbol",
			},
			[]string{"symbol"},
		)

		_ = prometheus.Register(fetchSuccess)
		_ = prometheus.Register(fetchErrors)
		_ = prometheus.Register(timestampFallbacks)
		_ = prometheus.Register(mappingDrops)
		_ = prometheus.Register(busDroppedEvents)
		_ = prometheus.Register(volumeAlerts)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementFetchSuccess increases the success counter for a given symbol.
func IncrementFetchSuccess(symbol string) {
	if fetchSuccess != nil {
		fetchSuccess.WithLabelValues(symbol).Inc()
	}
}

// IncrementFetchError increases the error counter for a given symbol.
func IncrementFetchError(symbol string) {
	if fetchErrors != nil {
		fetchErrors.WithLabelValues(symbol).Inc()
	}
}

// IncrementTimestampFallback counts one ticker timestamp replaced with local
// time after a parse failure.
func IncrementTimestampFallback() {
	if timestampFallbacks != nil {
		timestampFallbacks.Inc()
	}
}

// IncrementMappingDrop counts one record dropped during mapping.
func IncrementMappingDrop(reason string) {
	if mappingDrops != nil {
		mappingDrops.WithLabelValues(reason).Inc()
	}
}

// IncrementBusDrop counts one event dropped on a full subscriber channel.
func IncrementBusDrop(eventType string) {
	if busDroppedEvents != nil {
		busDroppedEvents.WithLabelValues(eventType).Inc()
	}
}

// IncrementVolumeAlert counts one spike alert raised for a symbol.
func IncrementVolumeAlert(symbol string) {
	if volumeAlerts != nil {
		volumeAlerts.WithLabelValues(symbol).Inc()
	}
}
