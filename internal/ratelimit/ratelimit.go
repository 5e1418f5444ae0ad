// Package ratelimit adapts the teacher's token-bucket shaping pattern
// (MultiLimiter over golang.org/x/time/rate) to transproxify's relay
// path: an optional byte-rate cap, one limiter shared by every session
// when the operator sets -max-bps.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// MultiLimiter waits on every non-nil limiter in sequence, so a
// per-session shaper can be composed with a process-wide shared
// limiter without either one ever being nil-checked by the caller.
type MultiLimiter []*rate.Limiter

func (ml MultiLimiter) WaitN(ctx context.Context, n int) error {
	for _, l := range ml {
		if l == nil {
			continue
		}
		// rate.Limiter.WaitN rejects n above the burst, so larger
		// requests wait in burst-sized steps.
		for rem := n; rem > 0; {
			k := rem
			if b := l.Burst(); b > 0 && k > b {
				k = b
			}
			if err := l.WaitN(ctx, k); err != nil {
				return err
			}
			rem -= k
		}
	}
	return nil
}

// Compose combines limiters, ignoring nils.
func Compose(lims ...*rate.Limiter) MultiLimiter {
	out := make(MultiLimiter, 0, len(lims))
	for _, l := range lims {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// NewShared builds a single process-wide limiter from a bytes/sec cap;
// 0 or negative disables limiting (returns nil). The burst is set to
// one tenth of the rate, floored at 1, matching the teacher's shaper
// sizing.
func NewShared(limitBps int64) *rate.Limiter {
	if limitBps <= 0 {
		return nil
	}
	burst := int(limitBps / 10)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limitBps), burst)
}

// Reader wraps an io.Reader-like Read call with rate limiting; used by
// relay.PipeLimited when a limiter is configured.
type Reader struct {
	ctx     context.Context
	limiter MultiLimiter
	next    func([]byte) (int, error)
}

func NewReader(ctx context.Context, limiter MultiLimiter, next func([]byte) (int, error)) *Reader {
	return &Reader{ctx: ctx, limiter: limiter, next: next}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.next(p)
	if n > 0 && len(r.limiter) > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
