package ftp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// controlChannel owns the TCP (optionally TLS) socket to the server: text
// encoding, read/write timeouts, stale-data draining and the
// send-command/await-reply cycle. At most one command may be outstanding
// at a time; concurrent callers serialize on mu.
type controlChannel struct {
	mu sync.Mutex

	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	readTimeout  time.Duration
	writeTimeout time.Duration

	lastCommandUTC time.Time

	remoteHost string // host portion of the dialed address, for NAT substitution

	logger *slog.Logger
	id     string // correlation id, see client.go's use of uuid
}

func newControlChannel(logger *slog.Logger, id string) *controlChannel {
	return &controlChannel{logger: logger, id: id}
}

// connect dials host:port and reads the welcome reply. The reply is
// returned so the caller can sniff it for server-family detection.
func (cc *controlChannel) connect(dialer *net.Dialer, host, port string, connectTimeout time.Duration) (*Reply, error) {
	addr := net.JoinHostPort(host, port)

	ctxDialer := *dialer
	if connectTimeout > 0 {
		ctxDialer.Timeout = connectTimeout
	}

	conn, err := ctxDialer.Dial("tcp", addr)
	if err != nil {
		return nil, transportErr("Connect", err)
	}
	tuneKeepalive(conn, 30*time.Second)

	cc.conn = conn
	cc.reader = bufio.NewReader(conn)
	cc.remoteHost = host
	cc.connected = true

	return cc.readWelcome()
}

// connectTLS is connect's implicit-TLS twin: the socket is wrapped in TLS
// before the welcome reply is read.
func (cc *controlChannel) connectTLS(dialer *net.Dialer, host, port string, connectTimeout time.Duration, cfg *tls.Config) (*Reply, error) {
	addr := net.JoinHostPort(host, port)
	ctxDialer := *dialer
	if connectTimeout > 0 {
		ctxDialer.Timeout = connectTimeout
	}

	raw, err := ctxDialer.Dial("tcp", addr)
	if err != nil {
		return nil, transportErr("Connect", err)
	}
	tuneKeepalive(raw, 30*time.Second)

	tlsConn := tls.Client(raw, cfg)
	if connectTimeout > 0 {
		raw.SetDeadline(time.Now().Add(connectTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		raw.Close()
		return nil, transportErr("Connect", fmt.Errorf("implicit TLS handshake: %w", err))
	}
	raw.SetDeadline(time.Time{})

	cc.conn = tlsConn
	cc.reader = bufio.NewReader(tlsConn)
	cc.remoteHost = host
	cc.connected = true

	return cc.readWelcome()
}

func (cc *controlChannel) readWelcome() (*Reply, error) {
	reply, err := cc.readReplyLocked()
	if err != nil {
		cc.conn.Close()
		cc.connected = false
		return nil, err
	}
	if !reply.Is2xx() {
		cc.conn.Close()
		cc.connected = false
		return reply, cmdErr("CONNECT", reply)
	}
	return reply, nil
}

// Execute sends one CRLF-terminated command line and reads exactly one
// reply. lastCommandUTC is updated after the write, before the read.
func (cc *controlChannel) Execute(command string, args ...string) (*Reply, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if command == "QUIT" && !cc.connected {
		// QUIT on an already-closed channel is a no-op, not an error.
		return &Reply{Code: 200, Message: "Connection already closed.", Class: PositiveCompletion}, nil
	}
	if !cc.connected {
		return nil, stateErr("Execute", "not connected")
	}

	line := command
	if len(args) > 0 {
		line = command + " " + strings.Join(args, " ")
	}

	if cc.logger != nil {
		cc.logger.Debug("ftp >", "cmd", redactCommand(command, line), "cid", cc.id)
	}

	if cc.writeTimeout > 0 {
		cc.conn.SetWriteDeadline(time.Now().Add(cc.writeTimeout))
	}
	cc.lastCommandUTC = time.Now().UTC()
	if _, err := fmt.Fprintf(cc.conn, "%s\r\n", line); err != nil {
		return nil, transportErr(command, err)
	}

	reply, err := cc.readReplyLocked()
	if err != nil {
		return nil, err
	}
	if cc.logger != nil {
		cc.logger.Debug("ftp <", "code", reply.Code, "msg", reply.Message, "cid", cc.id)
	}
	return reply, nil
}

// ReadReply reads the next reply without sending a command — used after a
// data transfer closes, to read the control channel's final reply, and to
// drain NOOP echoes.
func (cc *controlChannel) ReadReply() (*Reply, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.readReplyLocked()
}

func (cc *controlChannel) readReplyLocked() (*Reply, error) {
	if cc.readTimeout > 0 {
		cc.conn.SetReadDeadline(time.Now().Add(cc.readTimeout))
	}
	reply, err := decodeReply(cc.reader)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, timeoutErr("ReadReply", err)
		}
		return nil, transportErr("ReadReply", err)
	}
	if reply.Class == ClassUnknown {
		return nil, transportErr("ReadReply", fmt.Errorf("unparseable reply: %q", reply.Message))
	}
	if reply.Code == 421 {
		cc.connected = false
	}
	return reply, nil
}

// ActivateTLS wraps the (currently plaintext) control socket in TLS. The
// caller must have already received a success reply to AUTH TLS/AUTH SSL;
// this only performs the handshake.
func (cc *controlChannel) ActivateTLS(cfg *tls.Config, connectTimeout time.Duration) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	tlsConn := tls.Client(cc.conn, cfg)
	if connectTimeout > 0 {
		cc.conn.SetDeadline(time.Now().Add(connectTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		return transportErr("ActivateTLS", err)
	}
	cc.conn.SetDeadline(time.Time{})
	cc.conn = tlsConn
	cc.reader = bufio.NewReader(tlsConn)
	return nil
}

// DrainStaleData performs a short read to discard bytes left over from a
// broken prior operation, so the next Execute doesn't misread leftover
// bytes as the new command's reply.
func (cc *controlChannel) DrainStaleData(timeout time.Duration) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if !cc.connected {
		return
	}
	cc.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	for {
		n, err := cc.reader.Read(buf)
		if cc.logger != nil && n > 0 {
			cc.logger.Debug("ftp drain", "bytes", n, "cid", cc.id)
		}
		if err != nil || cc.reader.Buffered() == 0 {
			break
		}
	}
	cc.conn.SetReadDeadline(time.Time{})
}

func (cc *controlChannel) close() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if !cc.connected {
		return nil
	}
	cc.connected = false
	return cc.conn.Close()
}

func (cc *controlChannel) LastCommandUTC() time.Time {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.lastCommandUTC
}

func (cc *controlChannel) RemoteHost() string { return cc.remoteHost }

func (cc *controlChannel) isIPv6Local() bool {
	if cc.conn == nil {
		return false
	}
	host, _, err := net.SplitHostPort(cc.conn.LocalAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

// redactCommand hides credentials from log lines.
func redactCommand(command, full string) string {
	switch strings.ToUpper(command) {
	case "USER", "PASS", "ACCT":
		return command + " ***"
	default:
		return full
	}
}
