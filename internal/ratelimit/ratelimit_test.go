package ratelimit

import (
	"context"
	"testing"

	"golang.org/x/time/rate"
)

func TestComposeDropsNilLimiters(t *testing.T) {
	l := rate.NewLimiter(rate.Inf, 1)
	composed := Compose(nil, l, nil)
	if len(composed) != 1 {
		t.Fatalf("expected one surviving limiter, got %d", len(composed))
	}
}

func TestComposeAllNilIsEmpty(t *testing.T) {
	composed := Compose(nil, nil)
	if len(composed) != 0 {
		t.Fatalf("expected an empty MultiLimiter, got %d entries", len(composed))
	}
	if err := composed.WaitN(context.Background(), 1<<20); err != nil {
		t.Fatalf("an empty MultiLimiter must never block: %v", err)
	}
}

func TestNewSharedDisabledForNonPositive(t *testing.T) {
	if l := NewShared(0); l != nil {
		t.Fatalf("expected nil limiter for 0 bps, got %v", l)
	}
	if l := NewShared(-1); l != nil {
		t.Fatalf("expected nil limiter for negative bps, got %v", l)
	}
}

func TestNewSharedBurstFloor(t *testing.T) {
	l := NewShared(5)
	if l == nil {
		t.Fatalf("expected a non-nil limiter")
	}
	if b := l.Burst(); b < 1 {
		t.Fatalf("expected burst floored at 1, got %d", b)
	}
}

func TestReaderAppliesLimiter(t *testing.T) {
	l := rate.NewLimiter(rate.Inf, 1<<20)
	data := []byte("hello")
	pos := 0
	next := func(p []byte) (int, error) {
		n := copy(p, data[pos:])
		pos += n
		return n, nil
	}
	r := NewReader(context.Background(), Compose(l), next)
	buf := make([]byte, len(data))
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if n != len(data) || string(buf) != string(data) {
		t.Fatalf("expected to read %q, got %q", data, buf[:n])
	}
}

func TestReaderPropagatesCancellation(t *testing.T) {
	l := rate.NewLimiter(rate.Limit(1), 1)
	_ = l.Allow() // exhaust the single token so the next wait blocks
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	next := func(p []byte) (int, error) { return len(p), nil }
	r := NewReader(ctx, Compose(l), next)
	if _, err := r.Read(make([]byte, 4)); err == nil {
		t.Fatalf("expected an error from a cancelled context")
	}
}
