package logx

import "testing"

func TestParseLevelRoundTrip(t *testing.T) {
	cases := map[string]Level{
		"trace": Trace, "debug": Debug, "info": Info, "warn": Warn,
		"warning": Warn, "error": Error, "off": Off, "silent": Off,
	}
	for s, want := range cases {
		if got := ParseLevel(s); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}
	if got := ParseLevel("nonsense"); got != Error {
		t.Fatalf("ParseLevel(garbage) = %v, want Error (fail loud default)", got)
	}
}

func TestLoggerFallsBackToGlobalLevel(t *testing.T) {
	orig := GetLevel()
	defer SetLevel(orig)

	SetLevel(Warn)
	l := New(WithPrefix("test"))
	if l.shouldLog(Debug) {
		t.Fatalf("expected Debug to be gated out under global level Warn")
	}
	if !l.shouldLog(Warn) {
		t.Fatalf("expected Warn to pass at global level Warn")
	}
}

func TestPerLoggerLevelOverridesGlobal(t *testing.T) {
	orig := GetLevel()
	defer SetLevel(orig)
	SetLevel(Error)

	l := New(WithLogLevel(Trace))
	if !l.shouldLog(Trace) {
		t.Fatalf("expected a per-logger Trace level to override a stricter global level")
	}
}

func TestOffLevelSuppressesEverything(t *testing.T) {
	l := New(WithLogLevel(Off))
	for _, lvl := range []Level{Trace, Debug, Info, Warn, Error} {
		if l.shouldLog(lvl) {
			t.Fatalf("expected level %v to be suppressed when the logger level is Off", lvl)
		}
	}
}
