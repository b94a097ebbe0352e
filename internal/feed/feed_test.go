package feed

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	appconfig "coindash/config"
	"coindash/internal/bus"
	"coindash/internal/okx"
)

type fakeMarket struct {
	mu          sync.Mutex
	instruments []okx.Instrument
	prices      map[string]float64
	opens       map[string]float64
	volumes     map[string]float64
	err         error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		instruments: []okx.Instrument{
			{InstID: "BTC-USDT", BaseCcy: "BTC", QuoteCcy: "USDT", State: "live"},
			{InstID: "ETH-USDT", BaseCcy: "ETH", QuoteCcy: "USDT", State: "live"},
		},
		prices:  map[string]float64{"BTC-USDT": 50000, "ETH-USDT": 3000},
		opens:   map[string]float64{"BTC-USDT": 48000, "ETH-USDT": 2900},
		volumes: map[string]float64{"BTC-USDT": 1000000, "ETH-USDT": 500000},
	}
}

func (m *fakeMarket) GetInstruments(ctx context.Context) ([]okx.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.instruments, nil
}

func (m *fakeMarket) GetTickers(ctx context.Context, symbols []string) ([]okx.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]okx.Ticker, 0, len(symbols))
	for _, sym := range symbols {
		price, ok := m.prices[sym]
		if !ok {
			continue
		}
		out = append(out, okx.Ticker{
			InstID:  sym,
			Last:    strconv.FormatFloat(price, 'f', -1, 64),
			Open24h: strconv.FormatFloat(m.opens[sym], 'f', -1, 64),
			Vol24h:  strconv.FormatFloat(m.volumes[sym], 'f', -1, 64),
			Ts:      strconv.FormatInt(time.Now().UnixMilli(), 10),
		})
	}
	return out, nil
}

func (m *fakeMarket) setVolume(symbol string, volume float64) {
	m.mu.Lock()
	m.volumes[symbol] = volume
	m.mu.Unlock()
}

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Coindash.Name = "coindash-test"
	cfg.Coindash.Version = "0.0.0"
	cfg.Tracked.Symbols = []string{"BTC-USDT", "ETH-USDT"}
	cfg.Spike.Threshold = 0.5
	cfg.Scheduler.PollInterval = 20 * time.Millisecond
	cfg.Scheduler.DebounceInterval = 5 * time.Millisecond
	cfg.Scheduler.RateLimitInterval = time.Nanosecond
	cfg.Scheduler.StatusDebounce = 5 * time.Millisecond
	cfg.Events.Buffer = 32
	for _, rc := range []*appconfig.RetryConfig{&cfg.Retry.Standard, &cfg.Retry.Fast, &cfg.Retry.Slow, &cfg.Retry.Critical} {
		rc.MaxAttempts = 2
		rc.BaseDelay = time.Millisecond
		rc.MaxDelay = 5 * time.Millisecond
	}
	return cfg
}

func newTestFeed(t *testing.T, client MarketClient) (*Feed, *bus.Bus) {
	t.Helper()
	b := bus.New(32)
	f := New(testConfig(), client, b)
	t.Cleanup(func() {
		f.Close()
		b.Close()
	})
	return f, b
}

func waitForEvent(t *testing.T, events <-chan bus.Event, typ bus.EventType, wait time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", typ, wait)
		}
	}
}

func TestInitialLoadSeedsTrackedAssets(t *testing.T) {
	f, _ := newTestFeed(t, newFakeMarket())

	assets, err := f.InitialLoad(context.Background())
	if err != nil {
		t.Fatalf("InitialLoad: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	if assets[0].Symbol != "BTC-USDT" || assets[1].Symbol != "ETH-USDT" {
		t.Fatalf("expected tracked order, got %+v", assets)
	}
	if assets[0].Price != 50000 || assets[0].Change24h != 2000 {
		t.Fatalf("unexpected BTC data: %+v", assets[0])
	}
	if got := f.Assets(); len(got) != 2 {
		t.Fatalf("snapshot not seeded, got %d assets", len(got))
	}
}

func TestInitialLoadRejectsIncompleteResponse(t *testing.T) {
	client := newFakeMarket()
	delete(client.prices, "ETH-USDT")
	f, _ := newTestFeed(t, client)

	_, err := f.InitialLoad(context.Background())
	var missing *ErrMissingSymbols
	if !errors.As(err, &missing) {
		t.Fatalf("expected ErrMissingSymbols, got %v", err)
	}
	if len(missing.Symbols) != 1 || missing.Symbols[0] != "ETH-USDT" {
		t.Fatalf("unexpected missing set: %v", missing.Symbols)
	}
}

func TestVolumeSpikeEndToEnd(t *testing.T) {
	client := newFakeMarket()
	f, _ := newTestFeed(t, client)

	if _, err := f.InitialLoad(context.Background()); err != nil {
		t.Fatalf("InitialLoad: %v", err)
	}

	events, cancel, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("SubscribeUpdates: %v", err)
	}
	defer cancel()

	// 60% jump over the seeded 1,000,000 baseline.
	client.setVolume("BTC-USDT", 1600000)
	f.Refresh()

	ev := waitForEvent(t, events, bus.EventVolumeAlert, 2*time.Second)
	if ev.Alert.Symbol != "BTC-USDT" {
		t.Fatalf("expected BTC-USDT alert, got %s", ev.Alert.Symbol)
	}
	if ev.Alert.Ratio != 0.6 {
		t.Fatalf("expected ratio 0.6, got %v", ev.Alert.Ratio)
	}

	if !f.Assets()[0].HasVolumeSpike {
		t.Fatal("expected spike flag on BTC-USDT")
	}
	alerts := f.ActiveAlerts()
	if len(alerts) != 1 || alerts[0].Symbol != "BTC-USDT" {
		t.Fatalf("unexpected active alerts: %+v", alerts)
	}

	f.DismissAlert("BTC-USDT")
	if f.Assets()[0].HasVolumeSpike {
		t.Fatal("expected dismiss to clear the spike flag")
	}
	if len(f.ActiveAlerts()) != 0 {
		t.Fatal("expected dismiss to clear the registry")
	}

	// Dismissing again is a no-op.
	f.DismissAlert("BTC-USDT")
}

func TestSchedulerLifecycleFollowsSubscribers(t *testing.T) {
	f, _ := newTestFeed(t, newFakeMarket())
	if _, err := f.InitialLoad(context.Background()); err != nil {
		t.Fatalf("InitialLoad: %v", err)
	}

	_, cancelA, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	_, cancelB, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	cancelA()
	// One subscriber remains; cancel must be idempotent.
	cancelA()

	cancelB()

	// Restartable after all subscribers have left: refresh cycles must
	// resume and advance the snapshot timestamps.
	marker := f.Assets()[0].UpdatedAt
	_, cancelC, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer cancelC()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.Assets()[0].UpdatedAt.After(marker) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("refresh cycles did not resume after resubscribe")
}

func TestCancelledSubscriberContextSparesOthers(t *testing.T) {
	client := newFakeMarket()
	f, _ := newTestFeed(t, client)
	if _, err := f.InitialLoad(context.Background()); err != nil {
		t.Fatalf("InitialLoad: %v", err)
	}

	ctxA, cancelCtxA := context.WithCancel(context.Background())
	defer cancelCtxA()
	_, releaseA, err := f.SubscribeUpdates(ctxA)
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	defer releaseA()

	eventsB, releaseB, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	defer releaseB()

	// Tearing down the first subscriber's context must not touch the
	// refresh loops the second subscriber depends on.
	cancelCtxA()

	marker := f.Assets()[0].UpdatedAt
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.Assets()[0].UpdatedAt.After(marker) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !f.Assets()[0].UpdatedAt.After(marker) {
		t.Fatal("refresh cycles stopped after another subscriber's context was cancelled")
	}

	// The surviving stream still delivers alerts.
	client.setVolume("ETH-USDT", 800000)
	f.Refresh()
	ev := waitForEvent(t, eventsB, bus.EventVolumeAlert, 2*time.Second)
	if ev.Alert.Symbol != "ETH-USDT" {
		t.Fatalf("expected ETH-USDT alert, got %s", ev.Alert.Symbol)
	}
}

func TestStatusSettlesConnected(t *testing.T) {
	f, _ := newTestFeed(t, newFakeMarket())
	if _, err := f.InitialLoad(context.Background()); err != nil {
		t.Fatalf("InitialLoad: %v", err)
	}

	_, cancel, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("SubscribeUpdates: %v", err)
	}
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := f.Status(); s.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never settled connected: %+v", f.Status())
}

func TestStartStopPinsScheduler(t *testing.T) {
	f, _ := newTestFeed(t, newFakeMarket())
	if _, err := f.InitialLoad(context.Background()); err != nil {
		t.Fatalf("InitialLoad: %v", err)
	}

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	// A subscriber arrives and leaves while the pin is held: cycles must
	// keep running.
	_, cancel, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("SubscribeUpdates: %v", err)
	}
	cancel()

	marker := f.Assets()[0].UpdatedAt
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.Assets()[0].UpdatedAt.After(marker) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !f.Assets()[0].UpdatedAt.After(marker) {
		t.Fatal("expected cycles to continue while Start pin is held")
	}

	f.Stop()
	f.Stop() // no-op
}

func TestManualRefreshRecoversFromOffline(t *testing.T) {
	client := newFakeMarket()
	f, _ := newTestFeed(t, client)

	if _, err := f.InitialLoad(context.Background()); err != nil {
		t.Fatalf("InitialLoad: %v", err)
	}

	events, cancel, err := f.SubscribeUpdates(context.Background())
	if err != nil {
		t.Fatalf("SubscribeUpdates: %v", err)
	}
	defer cancel()

	// A DNS failure drives the supervisor offline.
	client.mu.Lock()
	client.err = &net.DNSError{Err: "no such host", Name: "api.example.com", IsNotFound: true}
	client.mu.Unlock()
	f.Refresh()

	waitForEvent(t, events, bus.EventError, 2*time.Second)

	// Network is back; a manual refresh must lift the latch and resume.
	client.mu.Lock()
	client.err = nil
	client.volumes["BTC-USDT"] = 1600000
	client.mu.Unlock()
	f.Refresh()

	ev := waitForEvent(t, events, bus.EventVolumeAlert, 2*time.Second)
	if ev.Alert.Symbol != "BTC-USDT" {
		t.Fatalf("expected BTC-USDT alert after recovery, got %s", ev.Alert.Symbol)
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	f := New(testConfig(), newFakeMarket(), b)

	f.Close()
	f.Close() // idempotent

	if _, _, err := f.SubscribeUpdates(context.Background()); err == nil {
		t.Fatal("expected subscribe on a closed feed to fail")
	}
}
