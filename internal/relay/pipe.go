// Package relay implements the §4.C TCP relay: a half-close-aware
// bidirectional byte pump between a client connection and an
// established upstream tunnel.
package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"transproxify/internal/logx"
	"transproxify/internal/ratelimit"
)

var log = logx.New(logx.WithPrefix("relay"))

// BufferSize is the implementation-chosen copy buffer size (§4.C
// suggests 16 KiB).
const BufferSize = 16 * 1024

func closeWriteIfTCP(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// nudge forces any in-flight blocking read/write on c to return, used
// to unstick a pump goroutine when the session is being torn down.
func nudge(c net.Conn) {
	now := time.Now()
	_ = c.SetReadDeadline(now)
	_ = c.SetWriteDeadline(now)
}

// Pipe pumps bytes between client and upstream until both directions
// have reached EOF, a read/write error occurs, or ctx is cancelled.
// Policy: when one direction sees EOF, that direction's destination is
// half-closed (TCP FIN) while the other direction keeps pumping; once
// both directions finish, both sockets are closed. Any error forces
// close of both sides. It blocks until the relay is fully torn down and
// returns the byte counts copied in each direction.
func Pipe(ctx context.Context, client, upstream net.Conn) (bytesUp, bytesDown int64) {
	return PipeLimited(ctx, client, upstream, nil)
}

// PipeLimited behaves like Pipe but additionally waits on limiter
// (when non-empty) for every chunk copied in either direction, so an
// operator-configured -max-bps cap is enforced uniformly across
// sessions. bytesUp is client->upstream, bytesDown is upstream->client.
func PipeLimited(ctx context.Context, client, upstream net.Conn, limiter ratelimit.MultiLimiter) (bytesUp, bytesDown int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			nudge(client)
			nudge(upstream)
		case <-done:
		}
	}()

	pump := func(dst, src net.Conn, label string) int64 {
		buf := make([]byte, BufferSize)
		reader := io.Reader(src)
		if len(limiter) > 0 {
			reader = ratelimit.NewReader(ctx, limiter, src.Read)
		}
		n, err := io.CopyBuffer(dst, reader, buf)
		closeWriteIfTCP(dst)
		if err != nil {
			log.Debugf("relay %s ended: %v", label, err)
			// An error in one direction tears down the other as well.
			nudge(dst)
			nudge(src)
		}
		return n
	}

	go func() {
		bytesUp = pump(upstream, client, "client->upstream")
		wg.Done()
	}()
	go func() {
		bytesDown = pump(client, upstream, "upstream->client")
		wg.Done()
	}()

	wg.Wait()
	close(done)
	// Upstream closes first: the client must never observe its tunnel
	// as live after the far side has gone away.
	_ = upstream.Close()
	_ = client.Close()
	return bytesUp, bytesDown
}
