package orders

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSignalIDDeterministic(t *testing.T) {
	a := SignalID(KindEntry, "ema-btc-1", "BTCUSDT", "BUY", 1700000059999)
	b := SignalID(KindEntry, "ema-btc-1", "BTCUSDT", "BUY", 1700000059999)
	if a != b {
		t.Fatalf("same signal produced different IDs: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "E-emabtc1-") {
		t.Errorf("unexpected format: %q", a)
	}
	if len(a) > 23 {
		t.Errorf("ID %q is %d characters; want at most 23", a, len(a))
	}
	if err := Validate(a); err != nil {
		t.Errorf("Validate(%q): %v", a, err)
	}
}

func TestSignalIDVariesWithInputs(t *testing.T) {
	base := SignalID(KindEntry, "s1", "BTCUSDT", "BUY", 1000)

	if got := SignalID(KindEntry, "s1", "BTCUSDT", "BUY", 2000); got == base {
		t.Error("different candle close time must change the ID")
	}
	if got := SignalID(KindEntry, "s1", "BTCUSDT", "SELL", 1000); got == base {
		t.Error("different side must change the ID")
	}
	if got := SignalID(KindEntry, "s2", "BTCUSDT", "BUY", 1000); got == base {
		t.Error("different strategy must change the ID")
	}
	if got := SignalID(KindEntry, "s1", "ETHUSDT", "BUY", 1000); got == base {
		t.Error("different symbol must change the ID")
	}
	if got := SignalID(KindExit, "s1", "BTCUSDT", "BUY", 1000); got == base {
		t.Error("different kind must change the ID")
	}
}

func TestSignalIDSanitizesStrategyTag(t *testing.T) {
	id := SignalID(KindEntry, "my_strategy-#42", "BTCUSDT", "BUY", 1000)
	if !strings.HasPrefix(id, "E-mystrate-") {
		t.Errorf("tag not sanitized: %q", id)
	}

	anon := SignalID(KindEntry, "---", "BTCUSDT", "BUY", 1000)
	if !strings.HasPrefix(anon, "E-anon-") {
		t.Errorf("all-symbol strategy ID should fall back to anon, got %q", anon)
	}
}

func TestSequenceIDFallbackWithoutCache(t *testing.T) {
	g := NewGenerator(nil, "test")

	id := g.SequenceID(context.Background(), KindStop)
	if !strings.HasPrefix(id, "SL-R-") {
		t.Errorf("expected random fallback format, got %q", id)
	}
	if len(id) != len("SL-R-")+8 {
		t.Errorf("fallback suffix length wrong: %q", id)
	}
	if err := Validate(id); err != nil {
		t.Errorf("Validate(%q): %v", id, err)
	}

	if other := g.SequenceID(context.Background(), KindStop); other == id {
		t.Error("fallback IDs should not collide")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(""); err == nil {
		t.Error("empty ID must be rejected")
	}
	if err := Validate(strings.Repeat("a", 36)); err != nil {
		t.Errorf("36 characters should pass: %v", err)
	}
	err := Validate(strings.Repeat("a", 37))
	if !errors.Is(err, ErrClientOrderIDTooLong) {
		t.Errorf("37 characters should fail with ErrClientOrderIDTooLong, got %v", err)
	}
}
