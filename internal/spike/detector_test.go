package spike

import "testing"

func TestEvaluateBoundaryInclusive(t *testing.T) {
	d := NewDetector(0.5)

	// ratio exactly 0.5 fires
	alert, fired := d.Evaluate("BTC-USDT", 1000, 1500)
	if !fired {
		t.Fatalf("ratio 0.5 must fire (threshold is inclusive)")
	}
	if alert.Ratio != 0.5 {
		t.Errorf("unexpected ratio: %v", alert.Ratio)
	}
	if alert.Symbol != "BTC-USDT" || alert.PreviousVolume != 1000 || alert.CurrentVolume != 1500 {
		t.Errorf("unexpected alert: %+v", alert)
	}
}

func TestEvaluateBelowThreshold(t *testing.T) {
	d := NewDetector(0.5)
	if _, fired := d.Evaluate("BTC-USDT", 1000, 1499); fired {
		t.Fatalf("ratio below 0.5 must not fire")
	}
}

func TestEvaluateZeroPreviousNeverFires(t *testing.T) {
	d := NewDetector(0.5)
	for _, current := range []float64{0, 1, 1e12} {
		if _, fired := d.Evaluate("BTC-USDT", 0, current); fired {
			t.Fatalf("previous=0 must never fire, current=%v", current)
		}
	}
	if _, fired := d.Evaluate("BTC-USDT", -5, 100); fired {
		t.Fatalf("negative previous must never fire")
	}
}

func TestStoredPreviousAlwaysUpdated(t *testing.T) {
	d := NewDetector(0.5)
	d.Seed("ETH-USDT", 1000)

	// No spike, but the baseline must move to the latest observation.
	if _, fired := d.Observe("ETH-USDT", 1100); fired {
		t.Fatalf("10%% growth must not fire")
	}
	if got := d.Previous("ETH-USDT"); got != 1100 {
		t.Fatalf("previous volume not updated, got %v", got)
	}

	// 1100 -> 1700 is ~54.5% against the moved baseline, not the original.
	if _, fired := d.Observe("ETH-USDT", 1700); !fired {
		t.Fatalf("growth against latest observation must fire")
	}
	if got := d.Previous("ETH-USDT"); got != 1700 {
		t.Fatalf("previous volume not updated after alert, got %v", got)
	}
}

func TestObserveUnseededSymbol(t *testing.T) {
	d := NewDetector(0.5)
	// First observation has no baseline; must not fire, must seed.
	if _, fired := d.Observe("SOL-USDT", 500); fired {
		t.Fatalf("first observation must not fire")
	}
	if got := d.Previous("SOL-USDT"); got != 500 {
		t.Fatalf("first observation must become the baseline, got %v", got)
	}
}
