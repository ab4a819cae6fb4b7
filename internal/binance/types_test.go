package binance

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeInterval(t *testing.T) {
	if v, ok := NormalizeInterval(" 5M "); !ok || v != "5m" {
		t.Errorf("NormalizeInterval(5M) = %q, %v; want 5m, true", v, ok)
	}
	if v, ok := NormalizeInterval("7m"); ok || v != "1m" {
		t.Errorf("NormalizeInterval(7m) = %q, %v; want fallback 1m, false", v, ok)
	}
}

func TestIntervalSeconds(t *testing.T) {
	if secs, ok := IntervalSeconds("5m"); !ok || secs != 300 {
		t.Errorf("IntervalSeconds(5m) = %d, %v; want 300, true", secs, ok)
	}
	if _, ok := IntervalSeconds("bogus"); ok {
		t.Error("unknown interval should report false")
	}
}

func TestPositionSide(t *testing.T) {
	var nilPos *Position
	if !nilPos.IsFlat() || nilPos.Side() != "" {
		t.Error("nil position should be flat")
	}

	long := &Position{PositionAmt: 0.5}
	if long.IsFlat() || long.Side() != "LONG" {
		t.Errorf("positive amount: flat=%v side=%q", long.IsFlat(), long.Side())
	}

	short := &Position{PositionAmt: -0.5}
	if short.IsFlat() || short.Side() != "SHORT" {
		t.Errorf("negative amount: flat=%v side=%q", short.IsFlat(), short.Side())
	}

	flat := &Position{PositionAmt: 0}
	if !flat.IsFlat() || flat.Side() != "" {
		t.Errorf("zero amount: flat=%v side=%q", flat.IsFlat(), flat.Side())
	}
}

func TestErrorClassification(t *testing.T) {
	auth := &APIError{Code: CodeAuthFailure, HTTPStatus: 400}
	badSymbol := &APIError{Code: CodeInvalidSymbol, HTTPStatus: 400}
	badLeverage := &APIError{Code: CodeInvalidLeverage, HTTPStatus: 400}
	rateLimit := &APIError{HTTPStatus: 429, RetryAfter: 3 * time.Second}
	serverErr := &APIError{HTTPStatus: 503}
	netErr := &NetworkError{Err: errors.New("connection refused")}
	business := &APIError{Code: CodeInvalidQuantity, HTTPStatus: 400}

	for _, err := range []error{auth, badSymbol, badLeverage} {
		if !IsFatalForRunner(err) {
			t.Errorf("%v should be fatal for a runner", err)
		}
		if IsTransient(err) {
			t.Errorf("%v should not be transient", err)
		}
	}

	for _, err := range []error{rateLimit, serverErr, netErr} {
		if !IsTransient(err) {
			t.Errorf("%v should be transient", err)
		}
		if IsFatalForRunner(err) {
			t.Errorf("%v should not be fatal", err)
		}
	}

	if IsTransient(business) || IsFatalForRunner(business) {
		t.Error("quantity rejection is neither transient nor fatal")
	}
	if !IsInvalidQuantity(business) {
		t.Error("IsInvalidQuantity should match")
	}

	if d, ok := RetryAfter(rateLimit); !ok || d != 3*time.Second {
		t.Errorf("RetryAfter = %v, %v; want 3s, true", d, ok)
	}
	if _, ok := RetryAfter(serverErr); ok {
		t.Error("RetryAfter without a hint should report false")
	}

	// Wrapped errors still classify.
	wrapped := &NetworkError{Err: errors.New("timeout")}
	if !IsNetwork(wrapped) {
		t.Error("IsNetwork should match through the wrapper")
	}
}
