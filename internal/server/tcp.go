package server

import (
	"errors"
	"net"
	"strconv"
	"time"

	"transproxify/internal/audit"
	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/events"
	"transproxify/internal/handshake"
	"transproxify/internal/relay"
	"transproxify/internal/settings"
)

// ServeTCP runs the §4.E TCP server loop: bind, accept, recover the
// original destination, run the proxy handshake, and relay. Blocks
// until the listener is closed by m.Stop or ctx cancellation; returns
// nil on a clean shutdown.
func ServeTCP(m *Manager, listenPort int, s *settings.ProxySettings) error {
	lc := net.ListenConfig{Control: endpoint.ListenerControl(false)}
	ln, err := lc.Listen(m.Context(), "tcp", net.JoinHostPort("", strconv.Itoa(listenPort)))
	if err != nil {
		return errs.NewIoError("bind tcp listener", err)
	}
	m.trackListener(ln)
	log.Infof("tcp listening on :%d", listenPort)
	defer func() {
		_ = ln.Close()
		m.untrackListener(ln)
		log.Debugf("tcp listener closed :%d", listenPort)
	}()

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(200 * time.Millisecond))
	}

	go m.sampleSessionCount(settings.TCP.String(), m.ActiveConnCount)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.Context().Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tl, ok2 := ln.(*net.TCPListener); ok2 {
					_ = tl.SetDeadline(time.Now().Add(200 * time.Millisecond))
				}
				select {
				case <-m.Context().Done():
					return nil
				default:
					continue
				}
			}
			log.Errorf("accept error: %v", err)
			return errs.NewIoError("accept", err)
		}

		m.trackConn(conn)
		m.wg.Add(1)
		go func(c net.Conn) {
			defer m.wg.Done()
			defer m.untrackConn(c)
			handleTCPConn(m, c, s)
		}(conn)
	}
}

// handleTCPConn drives one connection's ACCEPTED -> HANDSHAKING ->
// RELAYING -> CLOSED lifecycle.
func handleTCPConn(m *Manager, client net.Conn, s *settings.ProxySettings) {
	tcpClient, ok := client.(*net.TCPConn)
	if !ok {
		log.Errorf("accepted non-tcp connection %T", client)
		_ = client.Close()
		return
	}

	target, err := endpoint.RecoverOriginalTCPDestination(tcpClient)
	if err != nil {
		log.Warnf("recover original destination failed: %v", err)
		_ = client.Close()
		return
	}

	upstream, err := handshake.Dial(target, s)
	if err != nil {
		logHandshakeFailure(target, err)
		var he *errs.HandshakeError
		if errors.As(err, &he) {
			m.Metrics.RecordHandshakeFailure(settings.TCP.String(), s.ProxyProtocol.String(), he.Kind)
		}
		m.Audit.Record(audit.SessionRecord{
			StartedAtMillis: time.Now().UnixMilli(),
			EndedAtMillis:   time.Now().UnixMilli(),
			ProxiedProtocol: settings.TCP.String(),
			ProxyProtocol:   s.ProxyProtocol.String(),
			ClientAddr:      client.RemoteAddr().String(),
			TargetAddr:      target.String(),
			Outcome:         "rejected",
			Detail:          err.Error(),
		})
		_ = client.Close()
		return
	}

	log.Debugf("relaying %s -> %s (via %s)", client.RemoteAddr(), target, s.ProxyProtocol)
	started := time.Now()
	clientAddr := client.RemoteAddr().String()
	m.Events.Publish(events.Event{
		Kind:            events.SessionOpened,
		ProxiedProtocol: settings.TCP.String(),
		ClientAddr:      clientAddr,
		TargetAddr:      target.String(),
		TimestampMillis: started.UnixMilli(),
	})
	bytesUp, bytesDown := relay.PipeLimited(m.Context(), client, upstream, m.Limiter)
	ended := time.Now()

	m.Audit.Record(audit.SessionRecord{
		StartedAtMillis: started.UnixMilli(),
		EndedAtMillis:   ended.UnixMilli(),
		ProxiedProtocol: settings.TCP.String(),
		ProxyProtocol:   s.ProxyProtocol.String(),
		ClientAddr:      clientAddr,
		TargetAddr:      target.String(),
		BytesUp:         bytesUp,
		BytesDown:       bytesDown,
		Outcome:         "relayed",
	})
	m.Metrics.RecordThroughput(settings.TCP.String(), s.ProxyProtocol.String(), bytesUp, bytesDown, ended.Sub(started))
	m.Events.Publish(events.Event{
		Kind:            events.SessionClosed,
		ProxiedProtocol: settings.TCP.String(),
		ClientAddr:      clientAddr,
		TargetAddr:      target.String(),
		BytesUp:         bytesUp,
		BytesDown:       bytesDown,
		TimestampMillis: ended.UnixMilli(),
	})
}

func logHandshakeFailure(target endpoint.Endpoint, err error) {
	var he *errs.HandshakeError
	if errors.As(err, &he) {
		log.Warnf("handshake to %s rejected (%s): %s", target, he.Kind, he.Detail)
		return
	}
	log.Warnf("handshake to %s failed: %v", target, err)
}
