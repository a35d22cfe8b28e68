// Package throttle limits the byte rate of streams. One Limiter is shared by
// every transfer in a direction, so concurrent streams split the budget.
package throttle

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// maxBurst caps the number of bytes a single stream may move per wait.
const maxBurst = 64 * 1024

// Limiter is a byte-per-second budget. The zero limit disables it.
type Limiter struct {
	lim   *rate.Limiter
	limit atomic.Int64
}

// New returns a Limiter allowing bytesPerSecond. Zero or negative means unlimited.
func New(bytesPerSecond int64) *Limiter {
	l := &Limiter{lim: rate.NewLimiter(rate.Inf, maxBurst)}
	l.SetLimit(bytesPerSecond)
	return l
}

// SetLimit changes the budget. In-flight streams pick up the new pace on
// their next chunk.
func (l *Limiter) SetLimit(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		l.limit.Store(0)
		l.lim.SetLimit(rate.Inf)
		return
	}
	burst := int(min(bytesPerSecond, maxBurst))
	l.lim.SetBurst(burst)
	l.lim.SetLimit(rate.Limit(bytesPerSecond))
	l.limit.Store(bytesPerSecond)
}

// Limit returns the current budget in bytes per second, 0 when unlimited.
func (l *Limiter) Limit() int64 {
	return l.limit.Load()
}

func (l *Limiter) enabled() bool {
	return l != nil && l.limit.Load() > 0
}

// chunk returns how many bytes a stream may move in one step.
func (l *Limiter) chunk(n int) int {
	return min(n, l.lim.Burst())
}

// wait blocks until n bytes fit in the budget.
func (l *Limiter) wait(ctx context.Context, n int) error {
	for n > 0 {
		if !l.enabled() {
			return nil
		}
		c := l.chunk(n)
		if err := l.lim.WaitN(ctx, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// burst shrank between chunk and WaitN
			if c > l.lim.Burst() {
				continue
			}
			return err
		}
		n -= c
	}
	return nil
}

type reader struct {
	ctx context.Context
	l   *Limiter
	r   io.Reader
}

// Reader wraps r so reads consume the budget.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return &reader{ctx: ctx, l: l, r: r}
}

func (t *reader) Read(p []byte) (int, error) {
	if !t.l.enabled() {
		return t.r.Read(p)
	}
	if len(p) > 0 {
		p = p[:t.l.chunk(len(p))]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.l.wait(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type writer struct {
	ctx context.Context
	l   *Limiter
	w   io.Writer
}

// Writer wraps w so writes consume the budget.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l == nil {
		return w
	}
	return &writer{ctx: ctx, l: l, w: w}
}

func (t *writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if !t.l.enabled() {
			n, err := t.w.Write(p)
			return written + n, err
		}
		c := t.l.chunk(len(p))
		if err := t.l.wait(t.ctx, c); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[:c])
		written += n
		if err != nil {
			return written, err
		}
		p = p[c:]
	}
	return written, nil
}
