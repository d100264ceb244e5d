package ftp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/proxy"

	"github.com/coreftp/ftpengine/internal/ratelimit"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// WithTimeout sets the timeout applied to connect and every subsequent
// control-channel read/write.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.connectTimeout = timeout
		c.controlReadTimeout = timeout
		c.controlWriteTimeout = timeout
		return nil
	}
}

// WithConnectTimeout overrides just the dial/handshake timeout.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.connectTimeout = timeout
		return nil
	}
}

// WithDataTimeout sets the data connection's connect and read timeouts,
// independent of the control connection's timeouts.
func WithDataTimeout(connectTimeout, readTimeout time.Duration) Option {
	return func(c *Client) error {
		c.dataConnectTimeout = connectTimeout
		c.dataReadTimeout = readTimeout
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before the background
// keep-alive loop sends a NOOP. Zero disables it.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.idleTimeout = timeout
		return nil
	}
}

// WithNoopInterval sets how often a transfer injects a keep-alive NOOP on
// the control channel while data is flowing.
func WithNoopInterval(interval time.Duration) Option {
	return func(c *Client) error {
		c.noopInterval = interval
		return nil
	}
}

// WithExplicitTLS enables explicit TLS (AUTH TLS) on the standard port.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		c.tlsConfig = ensureSessionCache(config)
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS, typically on port 990.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		c.tlsConfig = ensureSessionCache(config)
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

// WithDataProtection enables PBSZ 0 + PROT P once login succeeds, so data
// channels are TLS-wrapped too.
func WithDataProtection() Option {
	return func(c *Client) error {
		c.wantDataProtection = true
		return nil
	}
}

func ensureSessionCache(config *tls.Config) *tls.Config {
	if config == nil {
		config = &tls.Config{}
	}
	if config.ClientSessionCache == nil {
		config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return config
}

// WithLogger enables structured logging of commands and replies (with
// USER/PASS redacted) at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for the control connection.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// tlsMode represents the TLS mode for the control connection.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

// WithActiveMode prefers EPRT/PORT instead of EPSV/PASV for data channels.
func WithActiveMode() Option {
	return func(c *Client) error {
		c.sess.preferredMode = AutoActive
		return nil
	}
}

// WithDisableEPSV forces PASV directly, skipping the EPSV attempt.
func WithDisableEPSV() Option {
	return func(c *Client) error {
		c.sess.setEPSVUnsupported()
		return nil
	}
}

// WithPASVEX forces the PASVEX dialect (always discard the parsed IP in
// favor of the control channel's remote host).
func WithPASVEX() Option {
	return func(c *Client) error {
		c.sess.preferredMode = AutoPassive
		c.forcedMode = ModePASVEX
		return nil
	}
}

// WithPassiveMaxAttempts bounds how many times the factory retries a
// blocked-port PASV/EPSV negotiation.
func WithPassiveMaxAttempts(n int) Option {
	return func(c *Client) error {
		c.passiveMaxAttempts = n
		return nil
	}
}

// WithBlockedPort marks a data port as unusable; the factory skips it and
// renegotiates.
func WithBlockedPort(port int) Option {
	return func(c *Client) error {
		c.sess.blockPort(port)
		return nil
	}
}

// WithRateLimit caps data-channel throughput at bytesPerSecond.
func WithRateLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.rateLimiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithProxyDialer is an alias of WithProxy kept for discoverability next to
// the other With* data-channel knobs.
func WithProxyDialer(dialer proxy.Dialer) Option { return WithProxy(dialer) }

// WithMetricsRegisterer opts into Prometheus instrumentation, registering
// the engine's collectors under namespace (empty string for the default
// Prometheus root namespace).
func WithMetricsRegisterer(reg prometheus.Registerer, namespace string) Option {
	return func(c *Client) error {
		c.metrics = newMetricsCollector(reg, namespace)
		return nil
	}
}

// WithServerHandler overrides server-family dispatch instead of sniffing
// the welcome reply.
func WithServerHandler(h ServerHandler) Option {
	return func(c *Client) error {
		c.handler = h
		c.handlerExplicit = true
		return nil
	}
}

// WithDownloadZeroByteFiles makes RetrieveToFile create an empty local
// sink file for a zero-length remote file; by default no file is created
// until the first non-empty chunk arrives.
func WithDownloadZeroByteFiles() Option {
	return func(c *Client) error {
		c.downloadZeroByteFiles = true
		return nil
	}
}
