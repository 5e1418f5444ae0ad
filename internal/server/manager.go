// Package server implements the §4.E TCP and §4.F UDP server loops:
// accept/receive, recover the original destination, run the
// configured handshake engine, and hand off to the relay/session
// layer. Manager tracks listeners and in-flight connections so
// shutdown can close them promptly, following the teacher's
// listener-manager shape.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"transproxify/internal/audit"
	"transproxify/internal/events"
	"transproxify/internal/logx"
	"transproxify/internal/metrics"
	"transproxify/internal/ratelimit"
)

var log = logx.New(logx.WithPrefix("server"))

// metricsSampleInterval is the cadence at which each server loop pushes
// an active-session gauge to m.Metrics (§11.3's per-sweep push).
const metricsSampleInterval = 10 * time.Second

// sampleSessionCount periodically reports count() to m.Metrics under
// proxiedProto until m's context is cancelled. Callers run it in its
// own goroutine; a nil m.Metrics makes every call a no-op.
func (m *Manager) sampleSessionCount(proxiedProto string, count func() int) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Metrics.RecordSessionCount(proxiedProto, count())
		}
	}
}

// Manager tracks active listeners and connections for one running
// server (TCP or UDP loop) so Stop can interrupt Accept/ReadFrom and
// force-close stragglers after a grace period.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[closer]struct{}
	conns     map[net.Conn]struct{}
	stopOnce  sync.Once

	// Limiter, when non-empty, caps the byte rate of every relayed
	// session uniformly (the operator's -max-bps flag).
	Limiter ratelimit.MultiLimiter

	// Audit, Metrics, and Events are optional sinks a completed or
	// evicted session is reported to. Each is nil-safe for the calls the
	// server loops make (Record, Record*, Publish), so the loops never
	// need to branch on whether they were configured.
	Audit   *audit.Log
	Metrics *metrics.Client
	Events  *events.Hub
}

type closer interface{ Close() error }

func NewManager() *Manager {
	m := &Manager{
		listeners: make(map[closer]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) Context() context.Context { return m.ctx }

// ActiveConnCount returns the number of connections currently tracked,
// used by the admin API's status endpoint.
func (m *Manager) ActiveConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) trackListener(l closer) {
	m.mu.Lock()
	m.listeners[l] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrackListener(l closer) {
	m.mu.Lock()
	delete(m.listeners, l)
	m.mu.Unlock()
}

func (m *Manager) trackConn(c net.Conn) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrackConn(c net.Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

// Stop cancels the manager's context, closes every tracked listener
// (interrupting Accept/ReadFrom), waits up to timeout for in-flight
// work registered via wg to finish, then force-closes any remaining
// connections. Per §9's resolved open question, a clean shutdown is
// normal termination, not an error.
func (m *Manager) Stop(timeout time.Duration) {
	m.stopOnce.Do(func() {
		log.Infof("stopping (grace period %s)", timeout)
		m.cancel()

		m.mu.Lock()
		for l := range m.listeners {
			_ = l.Close()
		}
		m.mu.Unlock()

		done := make(chan struct{})
		go func() { m.wg.Wait(); close(done) }()

		select {
		case <-done:
			log.Debugf("stopped gracefully")
		case <-time.After(timeout):
			log.Infof("grace period elapsed, force-closing active connections")
			m.mu.Lock()
			for c := range m.conns {
				_ = c.Close()
			}
			m.mu.Unlock()
		}
	})
}
