package handshake

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/settings"
)

func mustEndpoint(t *testing.T, host string, port int) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.ParseTextualAddress(host, port)
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	return ep
}

func TestConnectHTTPAccepted(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &settings.ProxySettings{ProxyProtocol: settings.HTTP}
	target := mustEndpoint(t, "93.184.216.34", 443)

	done := make(chan error, 1)
	go func() { done <- ConnectHTTP(client, target, s) }()

	br := bufio.NewReader(server)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read request line: %v", err)
	}
	if !strings.HasPrefix(line, "CONNECT 93.184.216.34:443 HTTP/1.1") {
		t.Fatalf("unexpected request line: %q", line)
	}
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read request headers: %v", err)
		}
		if strings.TrimRight(l, "\r\n") == "" {
			break
		}
	}
	if _, err := server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		t.Fatalf("write response: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("ConnectHTTP returned error: %v", err)
	}
}

func TestConnectHTTPRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &settings.ProxySettings{ProxyProtocol: settings.HTTP}
	target := mustEndpoint(t, "10.0.0.1", 80)

	done := make(chan error, 1)
	go func() { done <- ConnectHTTP(client, target, s) }()

	br := bufio.NewReader(server)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("read request line: %v", err)
	}
	if _, err := server.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n")); err != nil {
		t.Fatalf("write response: %v", err)
	}

	err := <-done
	var he *errs.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("expected *errs.HandshakeError, got %v (%T)", err, err)
	}
	if he.Kind != errs.ProxyRejected {
		t.Fatalf("expected ProxyRejected, got %s", he.Kind)
	}
}

func TestConnectHTTPWithCredentials(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &settings.ProxySettings{ProxyProtocol: settings.HTTP, Username: "u", Password: "p"}
	target := mustEndpoint(t, "203.0.113.5", 443)

	done := make(chan error, 1)
	go func() { done <- ConnectHTTP(client, target, s) }()

	br := bufio.NewReader(server)
	var sawAuth bool
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read request: %v", err)
		}
		if strings.HasPrefix(line, "Proxy-Authorization: Basic ") {
			sawAuth = true
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	if !sawAuth {
		t.Fatalf("expected a Proxy-Authorization header")
	}
	if _, err := server.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		t.Fatalf("write response: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ConnectHTTP returned error: %v", err)
	}
}
