package udpsession

import (
	"net"
	"testing"
	"time"

	"transproxify/internal/endpoint"
	"transproxify/internal/settings"
)

func newDirectSettings(t *testing.T) *settings.ProxySettings {
	t.Helper()
	s, err := settings.New(settings.Direct, settings.UDP, "", 0, "", "")
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	return s
}

func echoUDPServer(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestGetOrCreateCheckedReportsNewAndExisting(t *testing.T) {
	target := echoUDPServer(t)
	table := NewTable(newDirectSettings(t), time.Minute)

	clientEP := endpoint.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000})
	targetEP := endpoint.FromUDPAddr(target)

	session, isNew, err := table.GetOrCreateChecked(clientEP, targetEP)
	if err != nil {
		t.Fatalf("GetOrCreateChecked: %v", err)
	}
	if !isNew {
		t.Fatalf("expected the first lookup to report a new session")
	}

	again, isNew2, err := table.GetOrCreateChecked(clientEP, targetEP)
	if err != nil {
		t.Fatalf("GetOrCreateChecked (2nd): %v", err)
	}
	if isNew2 {
		t.Fatalf("expected the second lookup to reuse the existing session")
	}
	if again != session {
		t.Fatalf("expected the same *Session to be returned")
	}
}

func TestGetOrCreateEvictsOnDestinationChange(t *testing.T) {
	targetA := echoUDPServer(t)
	targetB := echoUDPServer(t)
	table := NewTable(newDirectSettings(t), time.Minute)

	clientEP := endpoint.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40001})

	first, err := table.GetOrCreate(clientEP, endpoint.FromUDPAddr(targetA))
	if err != nil {
		t.Fatalf("GetOrCreate (A): %v", err)
	}
	second, err := table.GetOrCreate(clientEP, endpoint.FromUDPAddr(targetB))
	if err != nil {
		t.Fatalf("GetOrCreate (B): %v", err)
	}
	if first == second {
		t.Fatalf("expected a destination change to evict the old session and create a new one")
	}
}

func TestSessionByteCounters(t *testing.T) {
	target := echoUDPServer(t)
	table := NewTable(newDirectSettings(t), time.Minute)
	clientEP := endpoint.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40002})

	session, _, err := table.GetOrCreateChecked(clientEP, endpoint.FromUDPAddr(target))
	if err != nil {
		t.Fatalf("GetOrCreateChecked: %v", err)
	}

	session.AddUp(10)
	session.AddUp(5)
	session.AddDown(7)

	up, down := session.Bytes()
	if up != 15 {
		t.Fatalf("expected 15 bytes up, got %d", up)
	}
	if down != 7 {
		t.Fatalf("expected 7 bytes down, got %d", down)
	}
	if session.OpenedAt().IsZero() {
		t.Fatalf("expected OpenedAt to be set")
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	target := echoUDPServer(t)
	table := NewTable(newDirectSettings(t), time.Millisecond)
	clientEP := endpoint.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40003})

	if _, err := table.GetOrCreate(clientEP, endpoint.FromUDPAddr(target)); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	evicted := table.Sweep(time.Now().Add(time.Hour))
	if len(evicted) != 1 {
		t.Fatalf("expected exactly one evicted session, got %d", len(evicted))
	}
}

func TestCloseAllReturnsEverySession(t *testing.T) {
	target := echoUDPServer(t)
	table := NewTable(newDirectSettings(t), time.Minute)

	for i := 0; i < 3; i++ {
		clientEP := endpoint.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 41000 + i})
		if _, err := table.GetOrCreate(clientEP, endpoint.FromUDPAddr(target)); err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}

	closed := table.CloseAll()
	if len(closed) != 3 {
		t.Fatalf("expected 3 sessions from CloseAll, got %d", len(closed))
	}
	if remaining := table.CloseAll(); len(remaining) != 0 {
		t.Fatalf("expected the table to be empty after CloseAll, got %d", len(remaining))
	}
}
