package handshake

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strings"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/settings"
)

var statusLineRe = regexp.MustCompile(`^HTTP/1\.\d 2\d\d `)

// ConnectHTTP issues an HTTP CONNECT request for target over conn,
// reading and validating the proxy's response line and headers.
func ConnectHTTP(conn net.Conn, target endpoint.Endpoint, s *settings.ProxySettings) error {
	hostPort := hostPortFor(target)

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", hostPort)
	fmt.Fprintf(&b, "Host: %s\r\n", hostPort)
	if s.Username != "" || s.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(s.Username + ":" + s.Password))
		b.WriteString("Proxy-Authorization: Basic " + cred + "\r\n")
	}
	b.WriteString("\r\n")

	deadline := endpoint.HandshakeDeadline()
	if err := endpoint.WriteAll(conn, []byte(b.String()), deadline); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return errs.NewIoError("set read deadline", err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return errs.NewIoError("read CONNECT status line", err)
	}
	if !statusLineRe.MatchString(status) {
		return errs.NewHandshakeError(errs.ProxyRejected, strings.TrimSpace(status), nil)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return errs.NewIoError("read CONNECT headers", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	return nil
}

// hostPortFor renders target as "host:port", bracketing IPv6 literals.
func hostPortFor(target endpoint.Endpoint) string {
	if target.Family == endpoint.IPv6 {
		return fmt.Sprintf("[%s]:%d", target.HostString(), target.Port)
	}
	return fmt.Sprintf("%s:%d", target.HostString(), target.Port)
}
