package feed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appconfig "coindash/config"
	"coindash/internal/bus"
	"coindash/internal/mapper"
	"coindash/internal/market"
	"coindash/internal/okx"
	"coindash/internal/scheduler"
	"coindash/internal/spike"
	"coindash/internal/supervisor"
	"coindash/logger"
)

// MarketClient is the exchange surface the feed needs.
type MarketClient interface {
	GetInstruments(ctx context.Context) ([]okx.Instrument, error)
	GetTickers(ctx context.Context, symbols []string) ([]okx.Ticker, error)
}

// ErrMissingSymbols reports tracked symbols the exchange did not return
// during the initial load.
type ErrMissingSymbols struct {
	Symbols []string
}

func (e *ErrMissingSymbols) Error() string {
	return fmt.Sprintf("exchange is missing tracked symbols: %s", strings.Join(e.Symbols, ", "))
}

// Feed is the consumer-facing market data engine. It bootstraps the tracked
// asset set, owns the refresh scheduler's lifecycle (driven by subscriber
// count), maintains the active volume-alert registry, and debounces
// connection-status flapping before publication.
type Feed struct {
	cfg      *appconfig.Config
	client   MarketClient
	mapper   *mapper.Mapper
	detector *spike.Detector
	sup      *supervisor.Supervisor
	bus      *bus.Bus
	sched    *scheduler.Scheduler
	profiles supervisor.Profiles
	log      *logger.Log

	mu      sync.Mutex
	subs    int
	alerts  map[string]market.VolumeAlert
	last    market.ConnectionStatus
	closed  bool
	started bool

	// lifeCtx bounds the scheduler's loops to the feed's lifetime, never to
	// any one subscriber's context.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// schedMu orders scheduler starts and stops. It is never taken while
	// holding mu, and the scheduler's callbacks never acquire it, so Stop
	// can wait on the loops without wedging alert registration.
	schedMu sync.Mutex

	statusCh chan market.ConnectionStatus
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg *appconfig.Config, client MarketClient, b *bus.Bus) *Feed {
	f := &Feed{
		cfg:      cfg,
		client:   client,
		mapper:   mapper.New(),
		detector: spike.NewDetector(cfg.Spike.Threshold),
		sup:      supervisor.New(),
		bus:      b,
		profiles: supervisor.ProfilesFromConfig(cfg.Retry),
		log:      logger.GetLogger(),
		alerts:   make(map[string]market.VolumeAlert),
		last:     market.ConnectionStatus{Connected: false, Message: "not connected", At: time.Now().UTC()},
		statusCh: make(chan market.ConnectionStatus, 8),
		done:     make(chan struct{}),
	}
	f.lifeCtx, f.lifeCancel = context.WithCancel(context.Background())

	f.sched = scheduler.New(scheduler.Options{
		Config:   cfg.Scheduler,
		Client:   client,
		Mapper:   f.mapper,
		Detector: f.detector,
		Sup:      f.sup,
		Bus:      b,
		Profile:  f.profiles.Fast,
		OnStatus: f.reportStatus,
		OnAlert:  f.registerAlert,
	})

	f.wg.Add(1)
	go f.statusLoop()

	return f
}

// InitialLoad fetches the instrument table and the first ticker snapshot,
// joins them into assets, and seeds the scheduler. Every tracked symbol must
// be present; a partial exchange response fails the load with
// ErrMissingSymbols rather than silently shrinking the tracked set.
func (f *Feed) InitialLoad(ctx context.Context) ([]market.Asset, error) {
	log := f.log.WithComponent("feed")
	start := time.Now()

	var instruments []okx.Instrument
	var tickers []okx.Ticker

	_, err := f.sup.Execute(ctx, "initial_load", f.profiles.Critical, func(ctx context.Context) error {
		inst, err := f.client.GetInstruments(ctx)
		if err != nil {
			return err
		}
		tk, err := f.client.GetTickers(ctx, f.cfg.Tracked.Symbols)
		if err != nil {
			return err
		}
		instruments, tickers = inst, tk
		return nil
	})
	if err != nil {
		f.reportStatus(false, "initial load failed")
		return nil, fmt.Errorf("initial load: %w", err)
	}

	assets := f.mapper.FilterToTracked(f.mapper.MapList(instruments, tickers), f.cfg.Tracked.Symbols)

	if missing := missingSymbols(f.cfg.Tracked.Symbols, assets); len(missing) > 0 {
		f.reportStatus(false, "exchange response incomplete")
		return nil, &ErrMissingSymbols{Symbols: missing}
	}

	f.sched.Seed(assets)
	f.reportStatus(true, "connected")

	logger.LogPerformanceEntry(log, "feed", "initial_load", time.Since(start), logger.Fields{
		"instruments": len(instruments),
		"assets":      len(assets),
	})
	return assets, nil
}

// SubscribeUpdates returns a live event channel and its cancel function. The
// refresh scheduler runs only while at least one subscriber exists: the
// first subscription starts it, and the last cancel stops it. A later
// subscription restarts it. The scheduler's loops run on the feed's own
// lifetime; cancelling ctx releases only this subscription, never the
// cycles other subscribers depend on.
func (f *Feed) SubscribeUpdates(ctx context.Context) (<-chan bus.Event, func(), error) {
	f.schedMu.Lock()
	defer f.schedMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, nil, fmt.Errorf("feed is closed")
	}
	wasIdle := f.subs == 0
	f.subs++
	f.mu.Unlock()

	events, release := f.bus.Subscribe()

	if wasIdle {
		if err := f.sched.Start(f.lifeCtx); err != nil {
			f.mu.Lock()
			f.subs--
			f.mu.Unlock()
			release()
			return nil, nil, fmt.Errorf("starting scheduler: %w", err)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.schedMu.Lock()
			defer f.schedMu.Unlock()

			f.mu.Lock()
			f.subs--
			stop := f.subs == 0 && !f.closed
			f.mu.Unlock()

			release()
			if stop {
				f.sched.Stop()
				f.log.WithComponent("feed").Info("last subscriber left, scheduler stopped")
			}
		})
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-f.done:
			}
		}()
	}
	return events, cancel, nil
}

// Start begins refresh cycles independent of stream subscribers, pinning the
// scheduler running until a matching Stop. SubscribeUpdates manages the same
// lifecycle automatically; Start exists for callers that poll Assets()
// without holding a stream. Cancelling ctx releases the pin, as Stop would.
// Calling Start twice is a no-op.
func (f *Feed) Start(ctx context.Context) error {
	f.schedMu.Lock()
	defer f.schedMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("feed is closed")
	}
	if f.started {
		f.mu.Unlock()
		return nil
	}
	wasIdle := f.subs == 0
	f.started = true
	f.subs++
	f.mu.Unlock()

	if wasIdle {
		if err := f.sched.Start(f.lifeCtx); err != nil {
			f.mu.Lock()
			f.started = false
			f.subs--
			f.mu.Unlock()
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				f.Stop()
			case <-f.done:
			}
		}()
	}
	return nil
}

// Stop releases the pin taken by Start. The scheduler keeps running if
// stream subscribers remain.
func (f *Feed) Stop() {
	f.schedMu.Lock()
	defer f.schedMu.Unlock()

	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	f.subs--
	stop := f.subs == 0 && !f.closed
	f.mu.Unlock()

	if stop {
		f.sched.Stop()
	}
}

// Refresh requests an immediate update cycle. Bursts are debounced by the
// scheduler. A user-initiated refresh also lifts the supervisor's offline
// latch, so it probes the network even after the engine has gone offline.
func (f *Feed) Refresh() {
	if f.sup.Offline() {
		f.sup.NotifyConnected()
	}
	f.sched.Trigger()
}

// Assets returns the current snapshot in tracked order.
func (f *Feed) Assets() []market.Asset {
	return f.sched.Snapshot()
}

// ActiveAlerts returns the undismissed volume alerts, ordered by symbol.
func (f *Feed) ActiveAlerts() []market.VolumeAlert {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]market.VolumeAlert, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// DismissAlert clears the active alert and the asset's spike flag. The two
// always move together: an asset is flagged exactly while an alert for it is
// active. Dismissing a symbol with no active alert is a no-op.
func (f *Feed) DismissAlert(symbol string) {
	f.mu.Lock()
	_, ok := f.alerts[symbol]
	if ok {
		delete(f.alerts, symbol)
	}
	f.mu.Unlock()

	if ok {
		f.sched.ClearSpike(symbol)
		f.log.WithComponent("feed").WithFields(logger.Fields{"symbol": symbol}).Info("alert dismissed")
	}
}

// Status returns the last connection status published.
func (f *Feed) Status() market.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Close stops the scheduler, the status loop and the bus. Idempotent; events
// already queued to subscribers drain normally before their channels close.
func (f *Feed) Close() {
	f.schedMu.Lock()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.schedMu.Unlock()
		return
	}
	f.closed = true
	running := f.subs > 0
	f.mu.Unlock()

	if running {
		f.sched.Stop()
	}
	f.schedMu.Unlock()

	f.lifeCancel()
	close(f.done)
	f.wg.Wait()
	f.bus.Close()
	f.log.WithComponent("feed").Info("feed closed")
}

// registerAlert records a fired alert. A newer alert for the same symbol
// supersedes the previous one.
func (f *Feed) registerAlert(a market.VolumeAlert) {
	f.mu.Lock()
	f.alerts[a.Symbol] = a
	f.mu.Unlock()
}

// reportStatus hands a connection verdict to the debouncer. Called by the
// scheduler after each cycle and by InitialLoad.
func (f *Feed) reportStatus(connected bool, message string) {
	status := market.ConnectionStatus{Connected: connected, Message: message, At: time.Now().UTC()}
	select {
	case f.statusCh <- status:
	case <-f.done:
	default:
		// A full channel means the debouncer is behind a flap burst; the
		// newest verdict will arrive with the next cycle anyway.
	}
}

// statusLoop debounces connection-status changes: a verdict is published
// only after it has held for the configured quiet period, so a brief retry
// blip never reaches subscribers as an offline/online flap.
func (f *Feed) statusLoop() {
	defer f.wg.Done()

	var pending market.ConnectionStatus
	var timer *time.Timer
	var timerC <-chan time.Time

	debounce := f.cfg.Scheduler.StatusDebounce

	for {
		select {
		case <-f.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case status := <-f.statusCh:
			f.mu.Lock()
			same := f.last.Connected == status.Connected && f.last.Message == status.Message
			f.mu.Unlock()
			if same {
				if timer != nil {
					timer.Stop()
					timerC = nil
				}
				continue
			}
			pending = status
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			f.mu.Lock()
			f.last = pending
			f.mu.Unlock()
			f.bus.PublishStatus(pending)
		}
	}
}

func missingSymbols(tracked []string, assets []market.Asset) []string {
	present := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		present[a.Symbol] = struct{}{}
	}
	var missing []string
	for _, sym := range tracked {
		if _, ok := present[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	return missing
}
