// Package ratelimit adapts golang.org/x/time/rate's token bucket to the
// io.Reader/io.Writer shapes a transfer loop needs for bandwidth
// throttling.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize bounds how many bytes are reserved from the bucket at once, so
// a single large Read/Write doesn't stall waiting for the whole burst.
const chunkSize = 32 * 1024

// Limiter wraps *rate.Limiter with a nil-safe zero value: New(0) (or a nil
// receiver) means unlimited, so callers never need to branch on whether
// throttling is configured.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a limiter capped at bytesPerSecond, with a burst equal to one
// second of traffic. bytesPerSecond <= 0 disables limiting.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond {
		burst = int(^uint(0) >> 1) // overflow guard for absurd limits
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

func (l *Limiter) take(ctx context.Context, n int) error {
	if l == nil || l.rl == nil || n <= 0 {
		return nil
	}
	return l.rl.WaitN(ctx, n)
}

// reader wraps an io.Reader to limit read speed.
type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns a rate-limited io.Reader bound to ctx. If limiter is
// nil, r is returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	readSize := len(p)
	if readSize > chunkSize {
		readSize = chunkSize
	}
	if err := r.limiter.take(r.ctx, readSize); err != nil {
		return 0, err
	}
	return r.r.Read(p[:readSize])
}

// writer wraps an io.Writer to limit write speed.
type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns a rate-limited io.Writer bound to ctx. If limiter is
// nil, w is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > chunkSize {
			chunk = chunkSize
		}
		if err := w.limiter.take(w.ctx, chunk); err != nil {
			return total, err
		}
		n, err := w.w.Write(p[total : total+chunk])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
