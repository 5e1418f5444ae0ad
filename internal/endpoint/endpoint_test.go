package endpoint

import (
	"net"
	"testing"
	"time"
)

func TestParseTextualAddressIPv4(t *testing.T) {
	ep, err := ParseTextualAddress("203.0.113.9", 443)
	if err != nil {
		t.Fatalf("ParseTextualAddress: %v", err)
	}
	if ep.Family != IPv4 {
		t.Fatalf("expected IPv4 family, got %v", ep.Family)
	}
	if ep.String() != "203.0.113.9:443" {
		t.Fatalf("unexpected String(): %s", ep.String())
	}
}

func TestParseTextualAddressIPv6Bracketed(t *testing.T) {
	ep, err := ParseTextualAddress("[2001:db8::1]", 8080)
	if err != nil {
		t.Fatalf("ParseTextualAddress: %v", err)
	}
	if ep.Family != IPv6 {
		t.Fatalf("expected IPv6 family, got %v", ep.Family)
	}
	if ep.HostString() != "2001:db8::1" {
		t.Fatalf("unexpected HostString(): %s", ep.HostString())
	}
}

func TestParseTextualAddressRejectsHostnames(t *testing.T) {
	if _, err := ParseTextualAddress("example.com", 80); err == nil {
		t.Fatalf("expected hostnames to be rejected")
	}
}

func TestParseTextualAddressRejectsEmpty(t *testing.T) {
	if _, err := ParseTextualAddress("   ", 80); err == nil {
		t.Fatalf("expected an empty address to be rejected")
	}
}

func TestTo4AndTo16(t *testing.T) {
	v4ep, _ := ParseTextualAddress("192.0.2.1", 1)
	if _, ok := v4ep.To4(); !ok {
		t.Fatalf("expected an ipv4 endpoint to report To4 ok")
	}

	v6ep, _ := ParseTextualAddress("2001:db8::2", 1)
	if _, ok := v6ep.To4(); ok {
		t.Fatalf("expected an ipv6 endpoint to report To4 not-ok")
	}
	if v6ep.To16() == nil {
		t.Fatalf("expected To16 to return a non-nil address")
	}
}

func TestFromUDPAddrPicksFamily(t *testing.T) {
	ep := FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.1.1.1"), Port: 53})
	if ep.Family != IPv4 {
		t.Fatalf("expected IPv4, got %v", ep.Family)
	}
	ep6 := FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 53})
	if ep6.Family != IPv6 {
		t.Fatalf("expected IPv6, got %v", ep6.Family)
	}
}

func TestReadExactAndWriteAllRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	payload := []byte("exact-length-payload")
	errc := make(chan error, 1)
	go func() { errc <- WriteAll(a, payload, time.Now().Add(time.Second)) }()

	got, err := ReadExact(b, len(payload), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
}

func TestReadExactShortReadIsAnError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	go func() {
		_, _ = a.Write([]byte("short"))
		a.Close()
	}()

	if _, err := ReadExact(b, 100, time.Now().Add(time.Second)); err == nil {
		t.Fatalf("expected a short read to return an error")
	}
}

func TestHandshakeDeadlineIsInTheFuture(t *testing.T) {
	if d := HandshakeDeadline(); !d.After(time.Now()) {
		t.Fatalf("expected HandshakeDeadline to be in the future")
	}
}
