package ftp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DataChannelMode selects how the Data Channel Factory establishes the
// secondary connection.
type DataChannelMode int

const (
	AutoPassive DataChannelMode = iota // prefers EPSV, falls back to PASV
	AutoActive                         // prefers EPRT, falls back to PORT
	ModeEPSV
	ModePASV
	ModePASVEX
	ModeEPRT
	ModePORT
)

func (m DataChannelMode) String() string {
	switch m {
	case AutoPassive:
		return "AutoPassive"
	case AutoActive:
		return "AutoActive"
	case ModeEPSV:
		return "EPSV"
	case ModePASV:
		return "PASV"
	case ModePASVEX:
		return "PASVEX"
	case ModeEPRT:
		return "EPRT"
	case ModePORT:
		return "PORT"
	default:
		return "unknown"
	}
}

// dataChannel is the secondary, short-lived connection carrying transfer
// bytes. It holds a non-owning back-reference to the controlChannel so the
// Transfer Engine can read the post-transfer reply after close.
type dataChannel struct {
	conn     net.Conn
	cc       *controlChannel
	cmdReply *Reply
	mode     DataChannelMode
	empty    bool // NLST empty-directory quirk: no bytes, no socket

	bytesIn, bytesOut int64
}

func (dc *dataChannel) Read(p []byte) (int, error) {
	if dc.empty {
		return 0, io.EOF
	}
	n, err := dc.conn.Read(p)
	dc.bytesIn += int64(n)
	return n, err
}

func (dc *dataChannel) Write(p []byte) (int, error) {
	n, err := dc.conn.Write(p)
	dc.bytesOut += int64(n)
	return n, err
}

func (dc *dataChannel) Close() error {
	if dc.empty || dc.conn == nil {
		return nil
	}
	return dc.conn.Close()
}

// dataChannelOptions bundles the knobs the factory needs that live on
// Client (timeouts, dialer, TLS, proxy, metrics) without creating an
// import cycle back to client.go.
type dataChannelOptions struct {
	dialer            *net.Dialer
	connectTimeout    time.Duration
	readTimeout       time.Duration
	passiveMaxAttempts int

	// TLS-on-data: only activated when dataEncryption is true and the FTPS
	// latch hasn't tripped.
	tlsConfig        *tls.Config
	dataEncryption   bool
	ftpsFailureLatch *bool

	proxyDialer proxy.Dialer // nil unless WithProxy is set
	proxyInUse  bool

	metrics *metricsCollector
}

// openDataChannel is the Data Channel Factory's entry point: it negotiates
// a passive or active connection, issues PRET/REST as needed, opens (or
// accepts) the socket, optionally activates TLS, and finally issues
// transferCmd, returning a dataChannel bound to the preliminary reply.
func openDataChannel(cc *controlChannel, sess *sessionState, mode DataChannelMode, transferCmd string, transferArgs []string, restart int64, opts dataChannelOptions) (*dataChannel, error) {
	mode = applyIPv6UpgradePolicy(cc, mode)

	var conn net.Conn
	var usedMode DataChannelMode
	var err error

	attempts := opts.passiveMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	transferLine := transferCmd
	if len(transferArgs) > 0 {
		transferLine = transferCmd + " " + strings.Join(transferArgs, " ")
	}

	isActive := mode == ModeEPRT || mode == ModePORT || mode == AutoActive
	for attempt := 0; attempt < attempts; attempt++ {
		if isActive {
			conn, usedMode, err = dialActive(cc, sess, mode, opts)
		} else {
			conn, usedMode, err = dialPassive(cc, sess, mode, opts, transferLine)
		}
		if err != nil {
			return nil, err
		}
		_, port, splitErr := net.SplitHostPort(conn.LocalAddr().String())
		if splitErr == nil {
			if p, convErr := portOf(port); convErr == nil && sess.isBlocked(p) {
				conn.Close()
				continue
			}
		}
		break
	}
	if conn == nil {
		return nil, transportErr("openDataChannel", fmt.Errorf("no usable data port after %d attempts", attempts))
	}
	opts.metrics.recordDialMode(usedMode)

	if restart > 0 {
		skip := false
		if opts.proxyInUse {
			skip = restartWouldBeNoop(cc, transferArgs, restart)
		}
		if !skip {
			reply, err := cc.Execute("REST", fmt.Sprintf("%d", restart))
			if err != nil {
				conn.Close()
				return nil, err
			}
			if reply.Code != 350 {
				conn.Close()
				return nil, cmdErr("REST", reply)
			}
		}
	}

	reply, err := cc.Execute(transferCmd, transferArgs...)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if isNLSTEmptyDirQuirk(transferCmd, reply) {
		conn.Close()
		return &dataChannel{cc: cc, cmdReply: reply, mode: usedMode, empty: true}, nil
	}

	if !reply.Is1xx() {
		conn.Close()
		return nil, cmdErr(transferCmd, reply)
	}

	if opts.dataEncryption && (opts.ftpsFailureLatch == nil || !*opts.ftpsFailureLatch) {
		tlsConn := tls.Client(conn, opts.tlsConfig)
		if opts.connectTimeout > 0 {
			conn.SetDeadline(time.Now().Add(opts.connectTimeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			if opts.ftpsFailureLatch != nil {
				*opts.ftpsFailureLatch = true
			}
			conn.Close()
			return nil, transportErr("data TLS handshake", err)
		}
		conn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	return &dataChannel{conn: conn, cc: cc, cmdReply: reply, mode: usedMode}, nil
}

func isNLSTEmptyDirQuirk(cmd string, reply *Reply) bool {
	return strings.HasPrefix(strings.ToUpper(cmd), "NLST") && reply.Code == 550 && strings.TrimSpace(reply.Message) == "No files found."
}

func applyIPv6UpgradePolicy(cc *controlChannel, mode DataChannelMode) DataChannelMode {
	if !cc.isIPv6Local() {
		return mode
	}
	switch mode {
	case ModePASV, ModePASVEX:
		return ModeEPSV
	case ModePORT:
		return ModeEPRT
	default:
		return mode
	}
}

func portOf(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

// dialPassive implements the passive-path negotiation: try EPSV, fall
// back to PASV, issue PRET first if the server advertised it.
func dialPassive(cc *controlChannel, sess *sessionState, mode DataChannelMode, opts dataChannelOptions, transferLine string) (net.Conn, DataChannelMode, error) {
	tryEPSV := (mode == ModeEPSV || mode == AutoPassive) && !sess.isEPSVUnsupported()

	if tryEPSV {
		reply, err := cc.Execute("EPSV")
		if err != nil {
			return nil, 0, err
		}
		if reply.Is4xx() || reply.Is5xx() {
			if mode == AutoPassive && !cc.isIPv6Local() {
				sess.setEPSVUnsupported()
				if opts.metrics != nil {
					opts.metrics.epsvFallback.Inc()
				}
				return dialPassivePASV(cc, sess, opts, transferLine, mode)
			}
			return nil, 0, cmdErr("EPSV", reply)
		}
		host, port, perr := parseEPSVReply(reply.Message, cc.RemoteHost())
		if perr != nil {
			return nil, 0, perr
		}
		conn, derr := dialData(opts, host, port)
		if derr != nil {
			return nil, 0, derr
		}
		return conn, ModeEPSV, nil
	}

	return dialPassivePASV(cc, sess, opts, transferLine, mode)
}

func dialPassivePASV(cc *controlChannel, sess *sessionState, opts dataChannelOptions, transferLine string, mode DataChannelMode) (net.Conn, DataChannelMode, error) {
	if cc.isIPv6Local() {
		return nil, 0, stateErr("PASV", "IPv6 local endpoint requires EPSV")
	}

	if sess.hasFeature("PRET") {
		reply, err := cc.Execute("PRET", transferLine)
		if err != nil {
			return nil, 0, err
		}
		if !reply.Is2xx() {
			return nil, 0, cmdErr("PRET", reply)
		}
	}

	reply, err := cc.Execute("PASV")
	if err != nil {
		return nil, 0, err
	}
	if !reply.Is2xx() {
		return nil, 0, cmdErr("PASV", reply)
	}
	pMode := pasvPlain
	resultMode := ModePASV
	if mode == ModePASVEX {
		pMode = pasvExtended
		resultMode = ModePASVEX
	}
	host, port, perr := parsePASVReply(reply.Message, pMode, cc.RemoteHost(), opts.proxyInUse)
	if perr != nil {
		return nil, 0, perr
	}
	conn, derr := dialData(opts, host, port)
	if derr != nil {
		return nil, 0, derr
	}
	return conn, resultMode, nil
}

func dialData(opts dataChannelOptions, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	var conn net.Conn
	var err error
	if opts.proxyDialer != nil {
		conn, err = opts.proxyDialer.Dial("tcp", addr)
	} else {
		d := *opts.dialer
		if opts.connectTimeout > 0 {
			d.Timeout = opts.connectTimeout
		}
		conn, err = d.Dial("tcp", addr)
	}
	if err != nil {
		return nil, transportErr("openDataChannel", err)
	}
	tuneKeepalive(conn, 30*time.Second)
	if opts.readTimeout > 0 {
		return &deadlineConn{Conn: conn, timeout: opts.readTimeout}, nil
	}
	return conn, nil
}

// dialActive implements the active-path negotiation: listen first, send
// EPRT/PORT, accept the inbound connection.
func dialActive(cc *controlChannel, sess *sessionState, mode DataChannelMode, opts dataChannelOptions) (net.Conn, DataChannelMode, error) {
	localHost, _, err := net.SplitHostPort(cc.conn.LocalAddr().String())
	if err != nil {
		localHost = "0.0.0.0"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(localHost, "0"))
	if err != nil {
		return nil, 0, transportErr("PORT", err)
	}

	lnHost, lnPortStr, _ := net.SplitHostPort(ln.Addr().String())
	lnPort, _ := portOf(lnPortStr)

	usePORT := mode == ModePORT || (mode == AutoActive && !cc.isIPv6Local())
	if usePORT {
		arg, ferr := formatPORT(lnHost, lnPort)
		if ferr != nil {
			ln.Close()
			return nil, 0, ferr
		}
		reply, err := cc.Execute("PORT", arg)
		if err != nil {
			ln.Close()
			return nil, 0, err
		}
		if reply.Is5xx() && mode == AutoActive {
			ln.Close()
			if opts.metrics != nil {
				opts.metrics.eprtFallback.Inc()
			}
			return dialActiveEPRT(cc, opts, localHost)
		}
		if !reply.Is2xx() {
			ln.Close()
			return nil, 0, cmdErr("PORT", reply)
		}
	} else {
		arg, ferr := formatEPRT(lnHost, lnPort)
		if ferr != nil {
			ln.Close()
			return nil, 0, ferr
		}
		reply, err := cc.Execute("EPRT", arg)
		if err != nil {
			ln.Close()
			return nil, 0, err
		}
		if !reply.Is2xx() {
			ln.Close()
			return nil, 0, cmdErr("EPRT", reply)
		}
	}

	if opts.connectTimeout > 0 {
		ln.(*net.TCPListener).SetDeadline(time.Now().Add(opts.connectTimeout))
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, 0, transportErr("accept data connection", err)
	}
	tuneKeepalive(conn, 30*time.Second)

	usedMode := ModeEPRT
	if usePORT {
		usedMode = ModePORT
	}
	if opts.readTimeout > 0 {
		return &deadlineConn{Conn: conn, timeout: opts.readTimeout}, usedMode, nil
	}
	return conn, usedMode, nil
}

func dialActiveEPRT(cc *controlChannel, opts dataChannelOptions, localHost string) (net.Conn, DataChannelMode, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(localHost, "0"))
	if err != nil {
		return nil, 0, transportErr("EPRT", err)
	}
	lnHost, lnPortStr, _ := net.SplitHostPort(ln.Addr().String())
	lnPort, _ := portOf(lnPortStr)

	arg, ferr := formatEPRT(lnHost, lnPort)
	if ferr != nil {
		ln.Close()
		return nil, 0, ferr
	}
	reply, err := cc.Execute("EPRT", arg)
	if err != nil {
		ln.Close()
		return nil, 0, err
	}
	if !reply.Is2xx() {
		ln.Close()
		return nil, 0, cmdErr("EPRT", reply)
	}
	if opts.connectTimeout > 0 {
		ln.(*net.TCPListener).SetDeadline(time.Now().Add(opts.connectTimeout))
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, 0, transportErr("accept data connection", err)
	}
	tuneKeepalive(conn, 30*time.Second)
	return conn, ModeEPRT, nil
}

// restartWouldBeNoop is a SOCKS-proxy REST workaround: when proxying,
// some proxies misreport the restart offset by one byte, so compare
// against the server's reported size before deciding whether REST would
// be a no-op. Only runs when a proxy is in use.
func restartWouldBeNoop(cc *controlChannel, transferArgs []string, restart int64) bool {
	if len(transferArgs) == 0 {
		return false
	}
	reply, err := cc.Execute("SIZE", transferArgs[0])
	if err != nil || !reply.Is2xx() {
		return false
	}
	var size int64
	if _, err := fmt.Sscanf(strings.TrimSpace(reply.Message), "%d", &size); err != nil {
		return false
	}
	return size == restart
}

