package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"github.com/coreftp/ftpengine/internal/ratelimit"
)

// Client is the FTP control/data engine: a Control Channel, its Session
// State, and the knobs the Data Channel Factory and Transfer Engine read.
type Client struct {
	cc   *controlChannel
	sess *sessionState
	id   string

	logger *slog.Logger
	dialer *net.Dialer

	host string
	port string

	connectTimeout      time.Duration
	controlReadTimeout  time.Duration
	controlWriteTimeout time.Duration
	dataConnectTimeout  time.Duration
	dataReadTimeout     time.Duration
	idleTimeout         time.Duration
	noopInterval        time.Duration

	tlsConfig          *tls.Config
	tlsMode            tlsMode
	wantDataProtection bool
	dataEncryption     bool
	ftpsFailureLatch   bool

	forcedMode         DataChannelMode
	passiveMaxAttempts int

	proxyDialer proxy.Dialer
	proxyInUse  bool

	rateLimiter *ratelimit.Limiter
	metrics     *metricsCollector

	handler         ServerHandler
	handlerExplicit bool

	downloadZeroByteFiles bool

	quitChan           chan struct{}
	transferInProgress int32
}

// Dial connects to an FTP server at addr ("host:port") and performs the
// initial handshake (and, for implicit TLS, the handshake upgrade), but
// does not log in.
func Dial(addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, argErr("Dial", fmt.Sprintf("invalid address %q: %v", addr, err))
	}

	c := &Client{
		host:               host,
		port:               port,
		connectTimeout:     30 * time.Second,
		controlReadTimeout: 30 * time.Second,
		tlsMode:            tlsModeNone,
		dialer:             &net.Dialer{},
		logger:             slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		sess:               newSessionState(),
		forcedMode:         -1,
		passiveMaxAttempts: 1,
		handler:            DefaultHandler{},
		id:                 uuid.NewString(),
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, argErr("Dial", fmt.Sprintf("applying option: %v", err))
		}
	}

	c.cc = newControlChannel(c.logger, c.id)
	c.cc.readTimeout = c.controlReadTimeout
	c.cc.writeTimeout = c.controlWriteTimeout

	var welcome *Reply
	if c.tlsMode == tlsModeImplicit {
		welcome, err = c.cc.connectTLS(c.dialer, c.host, c.port, c.connectTimeout, c.tlsConfig)
	} else {
		welcome, err = c.cc.connect(c.dialer, c.host, c.port, c.connectTimeout)
	}
	if err != nil {
		return nil, err
	}

	if !c.handlerExplicit {
		c.handler = selectHandler(welcome)
	}

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(); err != nil {
			c.cc.close()
			return nil, err
		}
	}

	c.startKeepAlive()
	return c, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Connect is the URL-based entry point: scheme selects TLS mode, userinfo
// (if any) triggers Login, and a non-root path triggers a CWD.
func Connect(urlStr string, options ...Option) (*Client, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, argErr("Connect", fmt.Sprintf("invalid URL: %v", err))
	}

	host := u.Hostname()
	port := u.Port()
	var opts []Option

	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if port == "" {
			port = "21"
		}
	case "ftps":
		if port == "" {
			port = "990"
		}
		opts = append(opts, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftp+explicit":
		if port == "" {
			port = "21"
		}
		opts = append(opts, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, argErr("Connect", fmt.Sprintf("unsupported scheme: %s", u.Scheme))
	}

	opts = append(opts, options...)
	c, err := Dial(net.JoinHostPort(host, port), opts...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, hasPass := u.User.Password()
	if user == "" {
		user = "anonymous"
		pass = "anonymous@"
	} else if !hasPass {
		pass = ""
	}

	if err := c.Login(user, pass); err != nil {
		c.Quit()
		return nil, err
	}

	if u.Path != "" && u.Path != "/" {
		if _, err := c.cc.Execute("CWD", u.Path); err != nil {
			c.Quit()
			return nil, err
		}
		c.sess.invalidatePWD()
	}

	return c, nil
}

// upgradeToTLS implements AUTH TLS + PBSZ 0 + PROT P for explicit mode.
func (c *Client) upgradeToTLS() error {
	reply, err := c.cc.Execute("AUTH", "TLS")
	if err != nil {
		return err
	}
	if reply.Code != 234 {
		return cmdErr("AUTH TLS", reply)
	}
	if err := c.cc.ActivateTLS(c.tlsConfig, c.connectTimeout); err != nil {
		return err
	}
	return nil
}

// enableDataProtection issues PBSZ 0 + PROT P, the precondition the
// factory requires before it will activate TLS on a data socket.
func (c *Client) enableDataProtection() error {
	if reply, err := c.cc.Execute("PBSZ", "0"); err != nil {
		return err
	} else if reply.Code != 200 {
		return cmdErr("PBSZ", reply)
	}
	if reply, err := c.cc.Execute("PROT", "P"); err != nil {
		return err
	} else if reply.Code != 200 {
		return cmdErr("PROT", reply)
	}
	c.dataEncryption = true
	return nil
}

// startKeepAlive starts a goroutine that sends NOOP commands once the
// control channel has been idle for idleTimeout.
func (c *Client) startKeepAlive() {
	if c.idleTimeout == 0 {
		return
	}
	c.quitChan = make(chan struct{})
	ticker := time.NewTicker(c.idleTimeout / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if atomic.LoadInt32(&c.transferInProgress) == 1 {
					continue
				}
				if time.Since(c.cc.LastCommandUTC()) >= c.idleTimeout {
					_, _ = c.cc.Execute("NOOP")
				}
			case <-c.quitChan:
				return
			}
		}
	}()
}

// Login authenticates with USER/PASS.
func (c *Client) Login(username, password string) error {
	reply, err := c.cc.Execute("USER", username)
	if err != nil {
		return err
	}
	if reply.Code == 230 {
		return c.postLogin()
	}
	if reply.Code != 331 {
		return cmdErr("USER", reply)
	}

	reply, err = c.cc.Execute("PASS", password)
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return cmdErr("PASS", reply)
	}
	return c.postLogin()
}

func (c *Client) postLogin() error {
	if c.wantDataProtection {
		if err := c.enableDataProtection(); err != nil {
			return err
		}
	}
	for _, cmd := range c.handler.PostConnectCommands() {
		parts := strings.Fields(cmd)
		if len(parts) == 0 {
			continue
		}
		if reply, err := c.cc.Execute(parts[0], parts[1:]...); err != nil {
			return err
		} else if !reply.Is2xx() {
			return cmdErr(parts[0], reply)
		}
	}
	c.fetchFeatures()
	return nil
}

func (c *Client) fetchFeatures() {
	reply, err := c.cc.Execute("FEAT")
	if err != nil || reply.Code != 211 {
		return
	}
	features := make(map[string]string)
	for _, line := range reply.Info {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		name := strings.ToUpper(parts[0])
		params := ""
		if len(parts) > 1 {
			params = parts[1]
		}
		features[name] = params
	}
	c.sess.setFeatures(features)
}

// Quit sends QUIT and closes the control channel. Safe to call more than
// once, and safe when disconnected.
func (c *Client) Quit() error {
	if c.quitChan != nil {
		select {
		case <-c.quitChan:
		default:
			close(c.quitChan)
		}
	}
	_, _ = c.cc.Execute("QUIT")
	return c.cc.close()
}

// Type sets the data representation ("A" or "I"), a no-op if already set
// unless the force-retype flag is on.
func (c *Client) Type(transferType string) error {
	t := dataType(transferType)
	if !c.sess.needsRetype(t) {
		return nil
	}
	reply, err := c.cc.Execute("TYPE", transferType)
	if err != nil {
		return err
	}
	if reply.Code != 200 {
		return cmdErr("TYPE", reply)
	}
	c.sess.applyType(t)
	return nil
}

// Features returns the server's FEAT-advertised capabilities, fetched once
// at login and cached thereafter.
func (c *Client) Features() map[string]string {
	return c.sess.featuresSnapshot()
}

// HasFeature reports whether the server advertised name via FEAT.
func (c *Client) HasFeature(name string) bool {
	return c.sess.hasFeature(strings.ToUpper(name))
}

// Syst issues SYST.
func (c *Client) Syst() (string, error) {
	reply, err := c.cc.Execute("SYST")
	if err != nil {
		return "", err
	}
	if !reply.Is2xx() {
		return "", cmdErr("SYST", reply)
	}
	return reply.Message, nil
}

// Noop sends a keep-alive NOOP.
func (c *Client) Noop() error {
	reply, err := c.cc.Execute("NOOP")
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return cmdErr("NOOP", reply)
	}
	return nil
}

// Quote sends a raw command and returns the server's reply verbatim, for
// commands this engine doesn't otherwise expose.
func (c *Client) Quote(command string, args ...string) (*Reply, error) {
	return c.cc.Execute(command, args...)
}

// ChangeDir issues CWD and invalidates the cached PWD.
func (c *Client) ChangeDir(path string) error {
	reply, err := c.cc.Execute("CWD", c.handler.AbsolutePath(path))
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return cmdErr("CWD", reply)
	}
	c.sess.invalidatePWD()
	return nil
}

// CurrentDir issues PWD, caching the result until the next CWD/CDUP.
func (c *Client) CurrentDir() (string, error) {
	if pwd, ok := c.sess.getCachedPWD(); ok {
		return pwd, nil
	}
	reply, err := c.cc.Execute("PWD")
	if err != nil {
		return "", err
	}
	if !reply.Is2xx() {
		return "", cmdErr("PWD", reply)
	}
	pwd := extractQuoted(reply.Message)
	c.sess.cachePWD(pwd)
	return pwd, nil
}

func extractQuoted(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return s
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return s[start+1:]
	}
	return s[start+1 : start+1+end]
}

// FileSize queries the remote file's byte length via the active
// ServerHandler (SIZE by default).
func (c *Client) FileSize(path string) (int64, error) {
	return c.handler.FileSize(context.Background(), c.cc, c.handler.AbsolutePath(path))
}

func (c *Client) dataChannelOpts() dataChannelOptions {
	return dataChannelOptions{
		dialer:             c.dialer,
		connectTimeout:     c.dataConnectTimeout,
		readTimeout:        c.dataReadTimeout,
		passiveMaxAttempts: c.passiveMaxAttempts,
		tlsConfig:          c.tlsConfig,
		dataEncryption:     c.dataEncryption,
		ftpsFailureLatch:   &c.ftpsFailureLatch,
		proxyDialer:        c.proxyDialer,
		proxyInUse:         c.proxyInUse,
		metrics:            c.metrics,
	}
}

func (c *Client) dataMode() DataChannelMode {
	if c.forcedMode >= 0 {
		return c.forcedMode
	}
	return c.sess.preferredMode
}
