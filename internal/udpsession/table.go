// Package udpsession implements the §4.D UDP session table: a
// client-endpoint keyed map onto per-session upstream sockets, with
// idle eviction. It is exclusively owned by the UDP server loop;
// callers must serialize mutations through it (the package does not
// provide its own locking across GetOrCreate/Touch/Sweep pairs beyond
// protecting the map itself).
package udpsession

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/handshake"
	"transproxify/internal/logx"
	"transproxify/internal/settings"
)

var log = logx.New(logx.WithPrefix("udpsession"))

// Session is one client's association with an upstream socket. For
// DIRECT it is a UDP socket connected straight to OriginalDestination;
// for SOCKS5 it is connected to RelayEndpoint, Control is the TCP
// association channel, and payloads are framed per handshake.Frame.
type Session struct {
	ClientEndpoint      endpoint.Endpoint
	OriginalDestination endpoint.Endpoint
	Upstream            *net.UDPConn
	RelayEndpoint       endpoint.Endpoint
	Control             net.Conn // nil unless SOCKS5

	mu           sync.Mutex
	lastActivity time.Time
	bytesUp      int64
	bytesDown    int64
	openedAt     time.Time
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AddUp/AddDown accumulate bytes forwarded in each direction, read back
// once the session is evicted for audit/metrics reporting.
func (s *Session) AddUp(n int)   { atomic.AddInt64(&s.bytesUp, int64(n)) }
func (s *Session) AddDown(n int) { atomic.AddInt64(&s.bytesDown, int64(n)) }

// Bytes returns the accumulated up/down byte counts.
func (s *Session) Bytes() (up, down int64) {
	return atomic.LoadInt64(&s.bytesUp), atomic.LoadInt64(&s.bytesDown)
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) close() {
	_ = s.Upstream.Close()
	if s.Control != nil {
		_ = s.Control.Close()
	}
}

// Table maps client Endpoint to Session, creating sessions lazily and
// evicting them after idleTimeout of inactivity.
type Table struct {
	settings    *settings.ProxySettings
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTable(s *settings.ProxySettings, idleTimeout time.Duration) *Table {
	if idleTimeout <= 0 {
		idleTimeout = endpoint.DefaultUDPIdleTimeout
	}
	return &Table{
		settings:    s,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
	}
}

// GetOrCreate returns the session for clientEndpoint, creating one if
// none exists. If one exists but targets a different destination
// (rare, but correctness requires handling it), the stale session is
// evicted and a fresh one created in its place.
func (t *Table) GetOrCreate(clientEndpoint, originalDestination endpoint.Endpoint) (*Session, error) {
	session, _, err := t.GetOrCreateChecked(clientEndpoint, originalDestination)
	return session, err
}

// GetOrCreateChecked behaves like GetOrCreate but additionally reports
// whether a new session was created, so callers can fire a one-time
// "session opened" notification.
func (t *Table) GetOrCreateChecked(clientEndpoint, originalDestination endpoint.Endpoint) (*Session, bool, error) {
	key := clientEndpoint.String()

	t.mu.Lock()
	if existing, ok := t.sessions[key]; ok {
		if existing.OriginalDestination.String() == originalDestination.String() {
			t.mu.Unlock()
			return existing, false, nil
		}
		delete(t.sessions, key)
		t.mu.Unlock()
		existing.close()
	} else {
		t.mu.Unlock()
	}

	session, err := t.create(clientEndpoint, originalDestination)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	if existing, ok := t.sessions[key]; ok {
		// Lost a race against a concurrent creator; keep theirs.
		t.mu.Unlock()
		session.close()
		return existing, false, nil
	}
	t.sessions[key] = session
	t.mu.Unlock()
	return session, true, nil
}

func (t *Table) create(clientEndpoint, originalDestination endpoint.Endpoint) (*Session, error) {
	switch t.settings.ProxyProtocol {
	case settings.Direct:
		return t.createDirect(clientEndpoint, originalDestination)
	case settings.Socks5:
		return t.createSocks5(clientEndpoint, originalDestination)
	default:
		return nil, errs.NewConfigError("udp sessions require proxy protocol direct or socks5", nil)
	}
}

func (t *Table) createDirect(clientEndpoint, originalDestination endpoint.Endpoint) (*Session, error) {
	upstream, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: originalDestination.IP, Port: originalDestination.Port})
	if err != nil {
		return nil, errs.NewIoError("dial direct udp target", err)
	}
	return &Session{
		ClientEndpoint:      clientEndpoint,
		OriginalDestination: originalDestination,
		Upstream:            upstream,
		lastActivity:        time.Now(),
		openedAt:            time.Now(),
	}, nil
}

func (t *Table) createSocks5(clientEndpoint, originalDestination endpoint.Endpoint) (*Session, error) {
	control, relay, err := handshake.Associate(t.settings)
	if err != nil {
		return nil, err
	}
	upstream, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: relay.IP, Port: relay.Port})
	if err != nil {
		_ = control.Close()
		return nil, errs.NewIoError("dial socks5 udp relay endpoint", err)
	}
	return &Session{
		ClientEndpoint:      clientEndpoint,
		OriginalDestination: originalDestination,
		Upstream:            upstream,
		RelayEndpoint:       relay,
		Control:             control,
		lastActivity:        time.Now(),
		openedAt:            time.Now(),
	}, nil
}

// OpenedAt reports when the session was created, used by the server
// loop to report session duration on eviction.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// Sweep removes and closes every session idle for more than the
// table's idleTimeout, returning the evicted sessions so the caller
// can stop any reader goroutine it runs per session.
func (t *Table) Sweep(now time.Time) []*Session {
	var evicted []*Session
	t.mu.Lock()
	for key, s := range t.sessions {
		if s.idleSince(now) > t.idleTimeout {
			delete(t.sessions, key)
			evicted = append(evicted, s)
		}
	}
	t.mu.Unlock()

	for _, s := range evicted {
		s.close()
		log.Debugf("evicted idle session client=%s target=%s", s.ClientEndpoint, s.OriginalDestination)
	}
	return evicted
}

// CloseAll evicts and closes every session, returning them so the
// caller can report final byte counts; used on server shutdown.
func (t *Table) CloseAll() []*Session {
	t.mu.Lock()
	all := make([]*Session, 0, len(t.sessions))
	for key, s := range t.sessions {
		delete(t.sessions, key)
		all = append(all, s)
	}
	t.mu.Unlock()
	for _, s := range all {
		s.close()
	}
	return all
}

// SweepInterval is the janitor cadence the §4.D tie-break requires:
// at least every IDLE_TIMEOUT/4.
func (t *Table) SweepInterval() time.Duration {
	return t.idleTimeout / 4
}

// Count returns the number of sessions currently tracked, sampled by
// the server loop for the active-session gauge.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
