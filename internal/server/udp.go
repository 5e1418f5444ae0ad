package server

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"transproxify/internal/audit"
	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/events"
	"transproxify/internal/handshake"
	"transproxify/internal/settings"
	"transproxify/internal/udpsession"
)

const maxUDPPacket = 64 * 1024

// readPoll bounds each ReadMsgUDP call so the accept-equivalent loop
// notices context cancellation promptly, mirroring the TCP loop's
// periodic accept deadline.
const readPoll = 200 * time.Millisecond

// ServeUDP runs the §4.F UDP server loop: receive on a transparent
// listener, recover the original destination, look up or create a
// session, frame and forward the payload, and separately drain each
// session's upstream socket back to the client. Blocks until the
// listener is closed by m.Stop or ctx cancellation.
func ServeUDP(m *Manager, listenPort int, s *settings.ProxySettings, idleTimeout time.Duration) error {
	lc := net.ListenConfig{Control: endpoint.ListenerControl(true)}
	pc, err := lc.ListenPacket(m.Context(), "udp", net.JoinHostPort("", strconv.Itoa(listenPort)))
	if err != nil {
		return errs.NewIoError("bind udp listener", err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return errs.NewEnvironmentError("listener is not a udp socket", nil)
	}
	m.trackListener(udpConn)
	log.Infof("udp listening on :%d", listenPort)
	defer func() {
		_ = udpConn.Close()
		m.untrackListener(udpConn)
		log.Debugf("udp listener closed :%d", listenPort)
	}()

	table := udpsession.NewTable(s, idleTimeout)
	defer func() {
		for _, sess := range table.CloseAll() {
			recordSessionClosed(m, s, sess)
		}
	}()

	readers := newDownlinkReaders()

	go m.sampleSessionCount(settings.UDP.String(), table.Count)

	sweepTicker := time.NewTicker(table.SweepInterval())
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-m.Context().Done():
				return
			case now := <-sweepTicker.C:
				for _, sess := range table.Sweep(now) {
					recordSessionClosed(m, s, sess)
				}
			}
		}
	}()

	buf := make([]byte, maxUDPPacket)
	oob := make([]byte, 1024)
	for {
		select {
		case <-m.Context().Done():
			return nil
		default:
		}

		_ = udpConn.SetReadDeadline(time.Now().Add(readPoll))
		n, oobn, _, clientAddr, err := udpConn.ReadMsgUDP(buf, oob)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if m.Context().Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("read client datagram: %v", err)
			continue
		}

		original, err := endpoint.RecoverOriginalUDPDestination(oob[:oobn])
		if err != nil {
			log.Warnf("recover original udp destination failed: %v", err)
			continue
		}

		clientEP := endpoint.FromUDPAddr(clientAddr)
		payload := append([]byte(nil), buf[:n]...)

		session, isNew, err := table.GetOrCreateChecked(clientEP, original)
		if err != nil {
			log.Warnf("create udp session for %s -> %s failed: %v", clientEP, original, err)
			continue
		}
		session.Touch()
		if isNew {
			m.Events.Publish(events.Event{
				Kind:            events.SessionOpened,
				ProxiedProtocol: settings.UDP.String(),
				ClientAddr:      clientEP.String(),
				TargetAddr:      original.String(),
				TimestampMillis: time.Now().UnixMilli(),
			})
		}

		if err := forwardToUpstream(m, session, s, payload); err != nil {
			log.Warnf("forward datagram %s -> %s failed: %v", clientEP, original, err)
			continue
		}

		readers.ensure(m, udpConn, s, session)
	}
}

func recordSessionClosed(m *Manager, s *settings.ProxySettings, sess *udpsession.Session) {
	up, down := sess.Bytes()
	now := time.Now()
	m.Audit.Record(audit.SessionRecord{
		StartedAtMillis: sess.OpenedAt().UnixMilli(),
		EndedAtMillis:   now.UnixMilli(),
		ProxiedProtocol: settings.UDP.String(),
		ProxyProtocol:   s.ProxyProtocol.String(),
		ClientAddr:      sess.ClientEndpoint.String(),
		TargetAddr:      sess.OriginalDestination.String(),
		BytesUp:         up,
		BytesDown:       down,
		Outcome:         "relayed",
	})
	m.Metrics.RecordThroughput(settings.UDP.String(), s.ProxyProtocol.String(), up, down, now.Sub(sess.OpenedAt()))
	m.Events.Publish(events.Event{
		Kind:            events.SessionClosed,
		ProxiedProtocol: settings.UDP.String(),
		ClientAddr:      sess.ClientEndpoint.String(),
		TargetAddr:      sess.OriginalDestination.String(),
		BytesUp:         up,
		BytesDown:       down,
		TimestampMillis: now.UnixMilli(),
	})
}

// forwardToUpstream writes payload to the session's upstream socket,
// waiting on m.Limiter first (when configured) so -max-bps caps UDP
// sessions the same as relay.PipeLimited caps TCP ones.
func forwardToUpstream(m *Manager, session *udpsession.Session, s *settings.ProxySettings, payload []byte) error {
	if len(m.Limiter) > 0 {
		if err := m.Limiter.WaitN(m.Context(), len(payload)); err != nil {
			return errs.NewIoError("rate limit wait", err)
		}
	}
	session.AddUp(len(payload))
	if s.ProxyProtocol == settings.Socks5 {
		frame := handshake.Frame(session.OriginalDestination, payload)
		_, err := session.Upstream.Write(frame)
		if err != nil {
			return errs.NewIoError("write socks5 udp frame", err)
		}
		return nil
	}
	if _, err := session.Upstream.Write(payload); err != nil {
		return errs.NewIoError("write direct udp datagram", err)
	}
	return nil
}

// downlinkReaders tracks which sessions already have a reader
// goroutine draining their upstream socket; this is a server-loop
// concern (one ServeUDP invocation's bookkeeping), not something the
// session table itself needs to know.
type downlinkReaders struct {
	mu      sync.Mutex
	started map[*udpsession.Session]bool
}

func newDownlinkReaders() *downlinkReaders {
	return &downlinkReaders{started: make(map[*udpsession.Session]bool)}
}

func (r *downlinkReaders) ensure(m *Manager, listener *net.UDPConn, s *settings.ProxySettings, session *udpsession.Session) {
	r.mu.Lock()
	if r.started[session] {
		r.mu.Unlock()
		return
	}
	r.started[session] = true
	r.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.started, session)
			r.mu.Unlock()
		}()
		drainSession(m, listener, s, session)
	}()
}

// drainSession reads datagrams arriving on session's upstream socket
// and forwards them to the client, spoofing the original destination
// as source via the transparent-listener send path.
func drainSession(m *Manager, listener *net.UDPConn, s *settings.ProxySettings, session *udpsession.Session) {
	reply := make([]byte, maxUDPPacket)
	for {
		select {
		case <-m.Context().Done():
			return
		default:
		}
		_ = session.Upstream.SetReadDeadline(time.Now().Add(readPoll))
		n, err := session.Upstream.Read(reply)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if m.Context().Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("session %s upstream read ended: %v", session.ClientEndpoint, err)
			return
		}

		payload := reply[:n]
		if s.ProxyProtocol == settings.Socks5 {
			_, unframed, err := handshake.Unframe(payload)
			if err != nil {
				log.Debugf("dropping bad udp frame from %s: %v", session.ClientEndpoint, err)
				continue
			}
			payload = unframed
		}
		session.AddDown(len(payload))

		if len(m.Limiter) > 0 {
			if err := m.Limiter.WaitN(m.Context(), len(payload)); err != nil {
				log.Debugf("session %s downstream rate limit wait: %v", session.ClientEndpoint, err)
				return
			}
		}

		if err := sendSpoofed(listener, session.OriginalDestination, session.ClientEndpoint, payload); err != nil {
			log.Warnf("send reply to %s failed: %v", session.ClientEndpoint, err)
			return
		}
		session.Touch()
	}
}

// sendSpoofed sends payload to client from a socket bound to src
// (the original destination), requiring IP_TRANSPARENT on the send
// path exactly as it was required on the receive path.
func sendSpoofed(listener *net.UDPConn, src, client endpoint.Endpoint, payload []byte) error {
	raw, err := listener.SyscallConn()
	if err != nil {
		return errs.NewIoError("get raw udp conn for spoofed send", err)
	}

	var sendErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sendErr = sendSpoofedFD(int(fd), src, client, payload)
	})
	if ctlErr != nil {
		return errs.NewIoError("control udp fd for spoofed send", ctlErr)
	}
	return sendErr
}

// sendSpoofedFD is implemented per-OS (see udp_linux.go / udp_other.go)
// since spoofing the source address requires IP_TRANSPARENT plus a
// platform-specific sendmsg with IP_PKTINFO/IP6_PKTINFO ancillary
// data.
