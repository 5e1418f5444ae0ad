package loginguard

import (
	"testing"
	"time"
)

func TestAllowByDefault(t *testing.T) {
	g := New(Config{})
	ok, retry := g.Allow("1.2.3.4", "admin")
	if !ok || retry != 0 {
		t.Fatalf("expected a fresh guard to allow, got ok=%v retry=%v", ok, retry)
	}
}

func TestFailEscalatesToCooldownAtMaxFails(t *testing.T) {
	g := New(Config{MaxFails: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Cooldown: time.Hour})
	for i := 0; i < 3; i++ {
		g.Fail("1.2.3.4", "admin")
	}
	ok, retry := g.Allow("1.2.3.4", "admin")
	if ok {
		t.Fatalf("expected the account to be locked out after reaching MaxFails")
	}
	if retry < time.Minute {
		t.Fatalf("expected a cooldown-scale retry, got %v", retry)
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	g := New(Config{MaxFails: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Cooldown: time.Hour})
	g.Fail("1.2.3.4", "admin")
	g.Fail("1.2.3.4", "admin")
	g.Success("1.2.3.4", "admin")

	ok, _ := g.Allow("1.2.3.4", "admin")
	if !ok {
		t.Fatalf("expected Success to clear prior failures and allow the next attempt")
	}
}

func TestFailKeysAreIndependentPerIPAndUser(t *testing.T) {
	g := New(Config{MaxFails: 1, BaseBackoff: time.Hour, MaxBackoff: time.Hour, Cooldown: time.Hour})
	g.Fail("1.2.3.4", "admin")

	if ok, _ := g.Allow("5.6.7.8", "operator"); !ok {
		t.Fatalf("a failure from one IP and user must not lock out an unrelated IP and user")
	}
	if ok, _ := g.Allow("5.6.7.8", "admin"); ok {
		t.Fatalf("a different IP sharing the failed username must stay locked by the per-user key")
	}
}

func TestBackoffGrowsWithRepeatedFailuresBelowMaxFails(t *testing.T) {
	g := New(Config{MaxFails: 100, BaseBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, Cooldown: time.Hour})
	g.Fail("1.2.3.4", "admin")
	_, retry1 := g.Allow("1.2.3.4", "admin")
	g.Fail("1.2.3.4", "admin")
	_, retry2 := g.Allow("1.2.3.4", "admin")

	if retry2 <= retry1 {
		t.Fatalf("expected backoff to grow across consecutive failures: retry1=%v retry2=%v", retry1, retry2)
	}
}
