package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "coindash/config"
	"coindash/internal/bus"
	"coindash/internal/mapper"
	"coindash/internal/market"
	"coindash/internal/metrics"
	"coindash/internal/okx"
	"coindash/internal/spike"
	"coindash/internal/supervisor"
	"coindash/logger"
)

// TickerClient is the slice of the market-data client the scheduler consumes.
type TickerClient interface {
	GetTickers(ctx context.Context, symbols []string) ([]okx.Ticker, error)
}

// Scheduler drives the periodic fetch → map → diff → emit cycle. At most one
// cycle is in flight at a time: ticks that arrive while a cycle is running
// are skipped, never queued, and a token-per-interval limiter enforces
// minimum spacing between cycles on top of that.
type Scheduler struct {
	cfg      appconfig.SchedulerConfig
	client   TickerClient
	mapper   *mapper.Mapper
	detector *spike.Detector
	sup      *supervisor.Supervisor
	bus      *bus.Bus
	profile  supervisor.RetryPolicy
	limiter  *rate.Limiter
	log      *logger.Log

	// onStatus receives the post-cycle connection verdict; the owner
	// debounces before publication.
	onStatus func(connected bool, message string)
	// onAlert mirrors fired alerts into the owner's active-alert registry.
	onAlert func(market.VolumeAlert)

	trigger chan struct{}

	// lifeMu serializes Start against Stop so a Start arriving while Stop
	// still waits on the loops cannot reuse the WaitGroup mid-Wait.
	lifeMu sync.Mutex

	mu       sync.Mutex
	snapshot []market.Asset
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight atomic.Bool
}

// Options carries the scheduler's collaborators and hooks.
type Options struct {
	Config   appconfig.SchedulerConfig
	Client   TickerClient
	Mapper   *mapper.Mapper
	Detector *spike.Detector
	Sup      *supervisor.Supervisor
	Bus      *bus.Bus
	Profile  supervisor.RetryPolicy
	OnStatus func(connected bool, message string)
	OnAlert  func(market.VolumeAlert)
}

func New(opts Options) *Scheduler {
	interval := opts.Config.RateLimitInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		cfg:      opts.Config,
		client:   opts.Client,
		mapper:   opts.Mapper,
		detector: opts.Detector,
		sup:      opts.Sup,
		bus:      opts.Bus,
		profile:  opts.Profile,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		log:      logger.GetLogger(),
		onStatus: opts.OnStatus,
		onAlert:  opts.OnAlert,
		trigger:  make(chan struct{}, 1),
	}
}

// Seed installs the initial asset snapshot and baselines the spike detector.
// The tracked set is fixed from here on; refresh cycles only replace values.
func (s *Scheduler) Seed(assets []market.Asset) {
	s.mu.Lock()
	s.snapshot = append([]market.Asset(nil), assets...)
	s.mu.Unlock()

	for _, a := range assets {
		s.detector.Seed(a.Symbol, a.Volume24h)
	}
}

// Snapshot returns a copy of the current asset list in whitelist order.
func (s *Scheduler) Snapshot() []market.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.Asset(nil), s.snapshot...)
}

// ClearSpike drops the volume-spike flag on one asset. Called by the owner
// when the corresponding alert is dismissed.
func (s *Scheduler) ClearSpike(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.snapshot {
		if a.Symbol == symbol {
			s.snapshot[i] = a.WithSpike(false)
			return
		}
	}
}

// Start begins periodic polling. Calling Start while already polling is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pollLoop()
	go s.debounceLoop()

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"poll_interval":       s.cfg.PollInterval.String(),
		"debounce_interval":   s.cfg.DebounceInterval.String(),
		"rate_limit_interval": s.cfg.RateLimitInterval.String(),
	}).Info("scheduler started")
	return nil
}

// Stop cancels the timer and waits for the loops to exit. An in-flight cycle
// is abandoned through context cancellation; its late results are rejected.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

// Running reports whether the polling loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger requests a manual refresh. Rapid successive triggers collapse into
// a single fetch after a quiet period; a newer trigger supersedes the
// pending one rather than queueing behind it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCycle()
		}
	}
}

func (s *Scheduler) debounceLoop() {
	defer s.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.trigger:
			// Supersede any pending refresh.
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(s.cfg.DebounceInterval)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			s.runCycle()
		}
	}
}

// cycleEvent carries one symbol's pending emissions out of the locked diff
// section. The price update precedes the alert for the same symbol.
type cycleEvent struct {
	price *market.PriceUpdateEvent
	alert *market.VolumeAlert
}

// runCycle performs one fetch → map → diff → emit pass. Exactly one cycle
// runs at a time; concurrent invocations are skipped.
func (s *Scheduler) runCycle() {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.WithComponent("scheduler").Debug("cycle already in flight, skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	if !s.limiter.Allow() {
		s.log.WithComponent("scheduler").Debug("rate limiter denied cycle, skipping tick")
		return
	}

	// While the supervisor is offline, periodic ticks are suspended rather
	// than burned on guaranteed failures. A manual refresh lifts the latch.
	if s.sup.Offline() {
		s.reportStatus(false, "offline: waiting for network")
		return
	}

	log := s.log.WithComponent("scheduler")
	start := time.Now()

	s.mu.Lock()
	symbols := make([]string, len(s.snapshot))
	for i, a := range s.snapshot {
		symbols[i] = a.Symbol
	}
	s.mu.Unlock()

	if len(symbols) == 0 {
		return
	}

	var tickers []okx.Ticker
	_, err := s.sup.Execute(s.ctx, "fetch_tickers", s.profile, func(ctx context.Context) error {
		fetched, err := s.client.GetTickers(ctx, symbols)
		if err != nil {
			return err
		}
		tickers = fetched
		return nil
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		for _, sym := range symbols {
			metrics.IncrementFetchError(sym)
		}
		s.bus.PublishError("ticker_fetch", err)
		s.reportStatus(false, statusMessage(err))
		return
	}

	// Reject late results from a cycle abandoned by Stop.
	if s.ctx.Err() != nil {
		return
	}

	byID := make(map[string]okx.Ticker, len(tickers))
	for _, t := range tickers {
		byID[t.InstID] = t
	}

	// Diff under the snapshot lock, emit after releasing it: the alert hook
	// re-enters feed state and must never run while s.mu is held.
	var emissions []cycleEvent

	s.mu.Lock()
	for i, asset := range s.snapshot {
		ticker, ok := byID[asset.Symbol]
		if !ok {
			continue
		}

		updated, err := s.mapper.UpdateWithTicker(asset, ticker)
		if err != nil {
			metrics.IncrementMappingDrop("refresh")
			log.WithError(err).WithFields(logger.Fields{"symbol": asset.Symbol}).Warn("skipping unmappable ticker")
			continue
		}

		// Price event first, then spike evaluation: fixed per-symbol order.
		var ev cycleEvent
		if updated.Price != asset.Price {
			ev.price = &market.PriceUpdateEvent{
				Symbol: asset.Symbol,
				Price:  updated.Price,
				Delta:  updated.Price - asset.Price,
				At:     updated.UpdatedAt,
			}
		}

		if updated.Volume24h != asset.Volume24h {
			if alert, fired := s.detector.Observe(asset.Symbol, updated.Volume24h); fired {
				updated = updated.WithSpike(true)
				a := alert
				ev.alert = &a
			}
		}

		s.snapshot[i] = updated
		metrics.IncrementFetchSuccess(asset.Symbol)
		if ev.price != nil || ev.alert != nil {
			emissions = append(emissions, ev)
		}
	}
	s.mu.Unlock()

	updates := 0
	for _, ev := range emissions {
		if ev.price != nil {
			s.bus.PublishPrice(*ev.price)
			updates++
		}
		if ev.alert != nil {
			s.bus.PublishAlert(*ev.alert)
			if s.onAlert != nil {
				s.onAlert(*ev.alert)
			}
		}
	}

	logger.IncrementTickerRead(len(tickers))
	logger.LogPerformanceEntry(log, "scheduler", "refresh_cycle", time.Since(start), logger.Fields{
		"symbols": len(symbols),
		"updates": updates,
	})

	s.reportStatus(true, "live updates active")
}

func (s *Scheduler) reportStatus(connected bool, message string) {
	if s.onStatus != nil {
		s.onStatus(connected, message)
	}
}

func statusMessage(err error) string {
	var f *supervisor.Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case supervisor.KindNetwork:
			return "offline: waiting for network"
		case supervisor.KindRateLimited:
			return "throttled by exchange, retrying"
		case supervisor.KindTimeout, supervisor.KindConnection, supervisor.KindServer:
			return "connection degraded, retrying"
		}
	}
	return fmt.Sprintf("update failed: %v", err)
}
