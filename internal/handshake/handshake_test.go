package handshake

import (
	"bufio"
	"net"
	"testing"

	"transproxify/internal/endpoint"
	"transproxify/internal/settings"
)

func TestDialDirectConnectsToTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			close(accepted)
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	target, err := endpoint.ParseTextualAddress(addr.IP.String(), addr.Port)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	s := &settings.ProxySettings{ProxyProtocol: settings.Direct}

	conn, err := Dial(target, s)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	<-accepted
}

func TestDialDirectFailsWhenNothingListens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listens on this address anymore

	target, err := endpoint.ParseTextualAddress(addr.IP.String(), addr.Port)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	s := &settings.ProxySettings{ProxyProtocol: settings.Direct}
	if _, err := Dial(target, s); err == nil {
		t.Fatalf("expected an error dialing a closed port")
	}
}

func TestDialUnsupportedProtocol(t *testing.T) {
	target, err := endpoint.ParseTextualAddress("10.0.0.1", 80)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	s := &settings.ProxySettings{ProxyProtocol: settings.ProxyProtocol(99)}
	if _, err := Dial(target, s); err == nil {
		t.Fatalf("expected an error for an unsupported proxy protocol")
	}
}

func TestDialThroughHTTPProxyRunsHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		if _, err := br.ReadString('\n'); err != nil {
			errc <- err
			return
		}
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				errc <- err
				return
			}
			if line == "\r\n" {
				break
			}
		}
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			errc <- err
			return
		}
		errc <- nil
	}()

	proxyAddr := ln.Addr().(*net.TCPAddr)
	target, err := endpoint.ParseTextualAddress("93.184.216.34", 443)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	s := &settings.ProxySettings{
		ProxyProtocol: settings.HTTP,
		ProxyHost:     proxyAddr.IP.String(),
		ProxyPort:     proxyAddr.Port,
	}

	conn, err := Dial(target, s)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := <-errc; err != nil {
		t.Fatalf("mock proxy server: %v", err)
	}
}

func TestDialThroughHTTPProxyFailsOnUnreachableProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	target, err := endpoint.ParseTextualAddress("93.184.216.34", 443)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	s := &settings.ProxySettings{
		ProxyProtocol: settings.HTTP,
		ProxyHost:     addr.IP.String(),
		ProxyPort:     addr.Port,
	}
	if _, err := Dial(target, s); err == nil {
		t.Fatalf("expected an error dialing an unreachable proxy")
	}
}
