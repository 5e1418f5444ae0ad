package audit

import (
	"path/filepath"
	"testing"
)

func TestOpenMigrateRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	log.Record(SessionRecord{
		ProxiedProtocol: "tcp",
		ProxyProtocol:   "http",
		ClientAddr:      "10.0.0.1:5555",
		TargetAddr:      "93.184.216.34:443",
		BytesUp:         100,
		BytesDown:       200,
		Outcome:         "relayed",
	})
	log.Record(SessionRecord{
		ProxiedProtocol: "udp",
		ProxyProtocol:   "direct",
		ClientAddr:      "10.0.0.2:6666",
		TargetAddr:      "8.8.8.8:53",
		Outcome:         "rejected",
		Detail:          "connection refused",
	})

	records, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Recent orders newest first.
	if records[0].ClientAddr != "10.0.0.2:6666" {
		t.Fatalf("expected the most recently inserted record first, got %+v", records[0])
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		log.Record(SessionRecord{ProxiedProtocol: "tcp", Outcome: "relayed"})
	}
	records, err := log.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected Recent(2) to return 2 records, got %d", len(records))
	}
}

func TestNilLogRecordIsNoop(t *testing.T) {
	var log *Log
	log.Record(SessionRecord{}) // must not panic
}
