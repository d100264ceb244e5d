package ftp

import (
	"context"
	"strings"
)

// ServerHandler captures per-server-family behavior the core engine
// defers to rather than hard-coding: post-login setup, file-size lookup,
// path quoting, and failure-message classification all vary across FTP
// server implementations.
type ServerHandler interface {
	// PostConnectCommands returns SITE (or other) commands to issue right
	// after login, before any transfer. Most servers need none.
	PostConnectCommands() []string

	// AlwaysReadToEnd forces read-to-end transfer mode regardless of a
	// known file length — some server families never report a byte
	// length the wire transfer actually matches.
	AlwaysReadToEnd() bool

	// FileSize looks up a remote file's size, overriding the default SIZE
	// command for servers that don't implement it faithfully.
	FileSize(ctx context.Context, cc *controlChannel, path string) (int64, error)

	// AbsolutePath turns a possibly relative path into the form this
	// server family expects on the wire.
	AbsolutePath(path string) string

	// KnownErrors maps a substring of a failure reply's message to the
	// Outcome it represents, e.g. "file not found" variants.
	KnownErrors() map[string]OutcomeKind
}

// OutcomeKind classifies a non-raised transfer outcome, such as a
// missing file or a permission failure, that callers inspect on the
// returned Outcome rather than through an error.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNotFound
	OutcomePermissionDenied
)

// DefaultHandler implements ServerHandler with the behavior a
// standards-compliant FTP server exhibits.
type DefaultHandler struct{}

func (DefaultHandler) PostConnectCommands() []string { return nil }
func (DefaultHandler) AlwaysReadToEnd() bool          { return false }

func (DefaultHandler) FileSize(ctx context.Context, cc *controlChannel, path string) (int64, error) {
	return defaultFileSize(cc, path)
}

func (DefaultHandler) AbsolutePath(path string) string { return path }

func (DefaultHandler) KnownErrors() map[string]OutcomeKind {
	return map[string]OutcomeKind{
		"no such file":       OutcomeNotFound,
		"file not found":     OutcomeNotFound,
		"not found":          OutcomeNotFound,
		"permission denied":  OutcomePermissionDenied,
		"access is denied":   OutcomePermissionDenied,
	}
}

// ZOSHandler implements the IBM z/OS quirks: dataset-style paths never
// report a wire-accurate byte length, so every transfer must read to
// end, and an unquoted dataset name needs quoting.
type ZOSHandler struct{}

func (ZOSHandler) PostConnectCommands() []string { return []string{"SITE FILETYPE=SEQ"} }
func (ZOSHandler) AlwaysReadToEnd() bool          { return true }

func (ZOSHandler) FileSize(ctx context.Context, cc *controlChannel, path string) (int64, error) {
	return -1, stateErr("FileSize", "z/OS datasets do not report a wire-accurate byte length")
}

func (h ZOSHandler) AbsolutePath(path string) string {
	if strings.HasPrefix(path, "'") {
		return path
	}
	return "'" + path + "'"
}

func (ZOSHandler) KnownErrors() map[string]OutcomeKind {
	return map[string]OutcomeKind{
		"dataset not found": OutcomeNotFound,
		"not authorized":    OutcomePermissionDenied,
	}
}

// defaultFileSize issues SIZE and parses its numeric reply.
func defaultFileSize(cc *controlChannel, path string) (int64, error) {
	reply, err := cc.Execute("SIZE", path)
	if err != nil {
		return -1, err
	}
	if !reply.Is2xx() {
		return -1, cmdErr("SIZE", reply)
	}
	var size int64
	if _, err := parseSize(strings.TrimSpace(reply.Message), &size); err != nil {
		return -1, parseErr("SIZE", "malformed size reply: "+reply.Message)
	}
	return size, nil
}

func parseSize(s string, out *int64) (int, error) {
	var n int64
	var i int
	for i = 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		n = n*10 + int64(s[i]-'0')
	}
	if i == 0 {
		return 0, argErr("SIZE", "no digits in reply")
	}
	*out = n
	return i, nil
}

// selectHandler sniffs the welcome reply to pick a default ServerHandler
// when the caller hasn't set one explicitly via WithServerHandler.
func selectHandler(welcome *Reply) ServerHandler {
	if welcome != nil && strings.Contains(strings.ToUpper(welcome.Message), "Z/OS") {
		return ZOSHandler{}
	}
	return DefaultHandler{}
}
