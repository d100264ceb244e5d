package ftp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newPipeControlChannel(t *testing.T) (*controlChannel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	cc := &controlChannel{conn: client, reader: bufio.NewReader(client), connected: true, readTimeout: 200 * time.Millisecond}
	return cc, server
}

func TestReconcileTransferReply_DrainsNoopsThenFinalReply(t *testing.T) {
	t.Parallel()
	cc, server := newPipeControlChannel(t)
	c := &Client{cc: cc}

	go func() {
		fmt.Fprintf(server, "200 NOOP ok\r\n")
		fmt.Fprintf(server, "200 NOOP ok\r\n")
		fmt.Fprintf(server, "226 Transfer complete\r\n")
	}()

	if err := c.reconcileTransferReply(2); err != nil {
		t.Fatalf("reconcileTransferReply() error = %v, want nil", err)
	}
}

func TestReconcileTransferReply_CommandFailureAfterNoops(t *testing.T) {
	t.Parallel()
	cc, server := newPipeControlChannel(t)
	c := &Client{cc: cc}

	go func() {
		fmt.Fprintf(server, "200 NOOP ok\r\n")
		fmt.Fprintf(server, "426 Connection closed; transfer aborted.\r\n")
	}()

	err := c.reconcileTransferReply(1)
	if err == nil {
		t.Fatal("reconcileTransferReply() error = nil, want a command error for the 426 reply")
	}
}

func TestReconcileTransferReply_AbsorbsPostTransferTimeout(t *testing.T) {
	t.Parallel()
	cc, server := newPipeControlChannel(t)
	defer server.Close()
	c := &Client{cc: cc}

	// No reply is ever sent; the control read should time out and that
	// timeout must be swallowed rather than surfaced as a transfer error.
	if err := c.reconcileTransferReply(0); err != nil {
		t.Fatalf("reconcileTransferReply() error = %v, want nil (timeout absorbed)", err)
	}
}

func TestLazyFileWriter_CreatesOnFirstNonEmptyWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	w := &lazyFileWriter{path: path}

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file should not exist before any Write, stat err = %v", err)
	}

	n, err := w.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = (%d, %v), want (5, nil)", n, err)
	}
	if err := w.finish(false); err != nil {
		t.Fatalf("finish() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("file contents = %q, want %q", got, "hello")
	}
}

func TestLazyFileWriter_FinishCreatesEmptyWhenRequested(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	w := &lazyFileWriter{path: path}

	if err := w.finish(true); err != nil {
		t.Fatalf("finish(true) error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v, want the empty file to have been created", err)
	}
	if info.Size() != 0 {
		t.Errorf("file size = %d, want 0", info.Size())
	}
}

func TestLazyFileWriter_FinishLeavesNoFileWhenNotRequested(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "never.bin")
	w := &lazyFileWriter{path: path}

	if err := w.finish(false); err != nil {
		t.Fatalf("finish(false) error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file should not have been created, stat err = %v", err)
	}
}

func TestLazyFileWriter_IgnoresEmptyWrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "zero-write.bin")
	w := &lazyFileWriter{path: path}

	if n, err := w.Write(nil); n != 0 || err != nil {
		t.Fatalf("Write(nil) = (%d, %v), want (0, nil)", n, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("a zero-length Write must not create the file")
	}
}
