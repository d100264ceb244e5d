package ftp

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreftp/ftpengine/internal/ratelimit"
)

// defaultChunkSize is used when no rate limit constrains the transfer;
// transferChunkSize picks a smaller, rate-aware variant once a limiter
// is configured.
const defaultChunkSize = 32 * 1024

// Outcome is what a transfer returns instead of raising, for cases like
// a missing remote file or a permission failure that a caller wants to
// branch on without unwrapping an error.
type Outcome struct {
	Kind             OutcomeKind
	BytesTransferred int64
}

func (o Outcome) Success() bool { return o.Kind == OutcomeSuccess }

// transferChunkSize picks a buffer size proportional to the configured
// rate limit, so a single Read/Write doesn't badly overshoot the budget.
func transferChunkSize(limiter *ratelimit.Limiter) int {
	if limiter == nil {
		return defaultChunkSize
	}
	return 4 * 1024
}

// Retrieve downloads remotePath into w in binary mode, starting at offset
// (0 for a fresh download).
func (c *Client) Retrieve(ctx context.Context, remotePath string, w io.Writer, offset int64) (Outcome, error) {
	return c.download(ctx, remotePath, w, offset)
}

// RetrieveWithProgress is Retrieve plus a callback invoked with the
// cumulative byte count written to w after every chunk.
func (c *Client) RetrieveWithProgress(ctx context.Context, remotePath string, w io.Writer, offset int64, progress func(int64)) (Outcome, error) {
	if progress != nil {
		w = &ProgressWriter{Writer: w, Callback: progress}
	}
	return c.download(ctx, remotePath, w, offset)
}

// lazyFileWriter defers os.Create until the first non-empty chunk arrives,
// so a zero-length remote file doesn't leave a stray local file behind
// unless the caller opted in via WithDownloadZeroByteFiles.
type lazyFileWriter struct {
	path string
	f    *os.File
}

func (w *lazyFileWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.f == nil {
		f, err := os.Create(w.path)
		if err != nil {
			return 0, err
		}
		w.f = f
	}
	return w.f.Write(p)
}

// finish closes the lazily-opened file, if any, or creates an empty one
// when createIfEmpty is set and no chunk ever arrived.
func (w *lazyFileWriter) finish(createIfEmpty bool) error {
	if w.f != nil {
		return w.f.Close()
	}
	if !createIfEmpty {
		return nil
	}
	f, err := os.Create(w.path)
	if err != nil {
		return err
	}
	return f.Close()
}

// RetrieveToFile downloads remotePath into localPath, lazily creating the
// local file on the first non-empty chunk rather than eagerly truncating
// it up front. With WithDownloadZeroByteFiles set, a zero-length remote
// file still produces an empty local file; otherwise none is created.
func (c *Client) RetrieveToFile(ctx context.Context, remotePath, localPath string) (Outcome, error) {
	lw := &lazyFileWriter{path: localPath}
	outcome, err := c.download(ctx, remotePath, lw, 0)
	createEmpty := err == nil && outcome.Kind == OutcomeSuccess && c.downloadZeroByteFiles
	if cerr := lw.finish(createEmpty); cerr != nil && err == nil {
		err = transportErr("Retrieve", cerr)
	}
	return outcome, err
}

func (c *Client) download(ctx context.Context, remotePath string, w io.Writer, offset int64) (Outcome, error) {
	if remotePath == "" {
		return Outcome{}, argErr("Retrieve", "remote path is blank")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if c.sess.currentDataType() != typeASCII {
		if err := c.Type("I"); err != nil {
			return Outcome{}, err
		}
	}

	path := c.handler.AbsolutePath(remotePath)
	atomic.StoreInt32(&c.transferInProgress, 1)
	defer atomic.StoreInt32(&c.transferInProgress, 0)

	readToEnd := c.handler.AlwaysReadToEnd() || c.sess.currentDataType() == typeASCII
	fileLen := int64(-1)
	if !readToEnd {
		if size, err := c.handler.FileSize(ctx, c.cc, path); err == nil {
			fileLen = size
		} else {
			readToEnd = true
		}
	}

	dc, err := c.openRetrieve(path, offset)
	if err != nil {
		if outcome, ok := c.asKnownOutcome(err); ok {
			return outcome, nil
		}
		return Outcome{}, err
	}
	if dc.empty {
		dc.Close()
		return Outcome{Kind: OutcomeSuccess}, nil
	}

	written := offset
	limited := ratelimit.NewReader(ctx, dc, c.rateLimiter)
	buf := make([]byte, transferChunkSize(c.rateLimiter))
	noopInFlight := 0
	const maxResumeAttempts = 10
	resumeAttempts := 0

	for {
		if err := ctx.Err(); err != nil {
			dc.Close()
			return Outcome{BytesTransferred: written}, canceledErr("Retrieve", err)
		}

		n, rerr := limited.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				dc.Close()
				return Outcome{BytesTransferred: written}, transportErr("Retrieve", werr)
			}
			written += int64(n)
			if c.metrics != nil {
				c.metrics.bytesTransferred.Add(float64(n))
			}
		}

		if c.noopInterval > 0 && time.Since(c.cc.LastCommandUTC()) > c.noopInterval {
			if _, nerr := c.cc.Execute("NOOP"); nerr == nil {
				noopInFlight++
				if c.metrics != nil {
					c.metrics.noopInjections.Inc()
				}
			}
		}

		if rerr == nil {
			continue
		}

		if rerr == io.EOF {
			if readToEnd || written == fileLen {
				dc.Close()
				return Outcome{Kind: OutcomeSuccess, BytesTransferred: written}, c.reconcileTransferReply(noopInFlight)
			}
			rerr = io.ErrUnexpectedEOF
		}

		if errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
			dc.Close()
			return Outcome{BytesTransferred: written}, canceledErr("Retrieve", rerr)
		}

		dc.Close()
		c.cc.ReadReply() // best-effort: discard the channel's abort reply before resuming

		resumeAttempts++
		if resumeAttempts > maxResumeAttempts {
			return Outcome{BytesTransferred: written}, transportErr("Retrieve", rerr)
		}

		dc, err = c.openRetrieve(path, written)
		if err != nil {
			return Outcome{BytesTransferred: written}, transportErr("Retrieve", err)
		}
		if c.metrics != nil {
			c.metrics.resumeCount.Inc()
		}
		limited = ratelimit.NewReader(ctx, dc, c.rateLimiter)
		noopInFlight = 0
	}
}

func (c *Client) openRetrieve(path string, offset int64) (*dataChannel, error) {
	return openDataChannel(c.cc, c.sess, c.dataMode(), "RETR", []string{path}, offset, c.dataChannelOpts())
}

// reconcileTransferReply drains NOOP echoes, consumes the canonical
// final reply, then briefly drains stale data. A read timeout after the
// transfer completes is absorbed rather than surfaced.
func (c *Client) reconcileTransferReply(noopInFlight int) error {
	for noopInFlight > 0 {
		reply, err := c.cc.ReadReply()
		if err != nil {
			break
		}
		noopInFlight--
		if !strings.Contains(strings.ToUpper(reply.Message), "NOOP") {
			if reply.Is2xx() || reply.Is4xx() || reply.Is5xx() {
				c.cc.DrainStaleData(200 * time.Millisecond)
				return replyToErr(reply)
			}
		}
	}

	reply, err := c.cc.ReadReply()
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindTimeout {
			return nil // a post-transfer read timeout is not a transfer failure
		}
		return err
	}
	c.cc.DrainStaleData(200 * time.Millisecond)
	return replyToErr(reply)
}

func replyToErr(reply *Reply) error {
	if reply.Is2xx() {
		return nil
	}
	return cmdErr("transfer", reply)
}

// asKnownOutcome maps a Command error through the active ServerHandler's
// known-error table.
func (c *Client) asKnownOutcome(err error) (Outcome, bool) {
	reply, ok := ReplyOf(err)
	if !ok {
		return Outcome{}, false
	}
	msg := strings.ToLower(reply.Message)
	for substr, kind := range c.handler.KnownErrors() {
		if strings.Contains(msg, substr) {
			return Outcome{Kind: kind}, true
		}
	}
	return Outcome{}, false
}

// Store uploads r to remotePath in binary mode, starting fresh (no resume).
func (c *Client) Store(ctx context.Context, remotePath string, r io.Reader) (Outcome, error) {
	return c.upload(ctx, remotePath, r, "STOR", 0)
}

// StoreWithProgress is Store plus a callback invoked with the cumulative
// byte count read from r after every chunk.
func (c *Client) StoreWithProgress(ctx context.Context, remotePath string, r io.Reader, progress func(int64)) (Outcome, error) {
	if progress != nil {
		r = &ProgressReader{Reader: r, Callback: progress}
	}
	return c.upload(ctx, remotePath, r, "STOR", 0)
}

// StoreResume uploads r to remotePath, resuming an interrupted upload at
// offset via APPE instead of STOR, since REST+STOR truncates server-side
// on most servers.
func (c *Client) StoreResume(ctx context.Context, remotePath string, r io.Reader, offset int64) (Outcome, error) {
	cmd := "STOR"
	if offset > 0 {
		cmd = "APPE"
	}
	return c.upload(ctx, remotePath, r, cmd, offset)
}

func (c *Client) upload(ctx context.Context, remotePath string, r io.Reader, cmd string, offset int64) (Outcome, error) {
	if remotePath == "" {
		return Outcome{}, argErr("Store", "remote path is blank")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.sess.currentDataType() != typeASCII {
		if err := c.Type("I"); err != nil {
			return Outcome{}, err
		}
	}

	path := c.handler.AbsolutePath(remotePath)
	atomic.StoreInt32(&c.transferInProgress, 1)
	defer atomic.StoreInt32(&c.transferInProgress, 0)

	restart := int64(0)
	if cmd == "STOR" {
		restart = 0
	} else {
		restart = offset
	}
	dc, err := openDataChannel(c.cc, c.sess, c.dataMode(), cmd, []string{path}, restart, c.dataChannelOpts())
	if err != nil {
		if outcome, ok := c.asKnownOutcome(err); ok {
			return outcome, nil
		}
		return Outcome{}, err
	}

	written := offset
	limited := ratelimit.NewWriter(ctx, dc, c.rateLimiter)
	buf := make([]byte, transferChunkSize(c.rateLimiter))
	noopInFlight := 0

	for {
		if err := ctx.Err(); err != nil {
			dc.Close()
			return Outcome{BytesTransferred: written}, canceledErr("Store", err)
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := limited.Write(buf[:n]); werr != nil {
				dc.Close()
				return Outcome{BytesTransferred: written}, transportErr("Store", werr)
			}
			written += int64(n)
			if c.metrics != nil {
				c.metrics.bytesTransferred.Add(float64(n))
			}
		}

		if c.noopInterval > 0 && time.Since(c.cc.LastCommandUTC()) > c.noopInterval {
			if _, nerr := c.cc.Execute("NOOP"); nerr == nil {
				noopInFlight++
				if c.metrics != nil {
					c.metrics.noopInjections.Inc()
				}
			}
		}

		if rerr == io.EOF {
			dc.Close()
			return Outcome{Kind: OutcomeSuccess, BytesTransferred: written}, c.reconcileTransferReply(noopInFlight)
		}
		if rerr != nil {
			dc.Close()
			return Outcome{BytesTransferred: written}, transportErr("Store", rerr)
		}
	}
}

// Nlst opens a data channel against NLST, swallowing the empty-directory
// quirk uniformly across server families, and returns the raw listing as
// newline-separated entries.
func (c *Client) Nlst(ctx context.Context, path string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	args := []string{}
	if path != "" {
		args = []string{c.handler.AbsolutePath(path)}
	}
	dc, err := openDataChannel(c.cc, c.sess, c.dataMode(), "NLST", args, 0, c.dataChannelOpts())
	if err != nil {
		return nil, err
	}
	if dc.empty {
		dc.Close()
		return nil, nil
	}
	data, err := io.ReadAll(dc)
	dc.Close()
	if err != nil {
		return nil, transportErr("NLST", err)
	}
	if err := c.reconcileTransferReply(0); err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
