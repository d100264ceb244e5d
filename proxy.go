package ftp

import "golang.org/x/net/proxy"

// WithProxy routes data connections through dialer (typically a SOCKS5
// dialer from golang.org/x/net/proxy). The control connection is unaffected:
// callers are expected to have already dialed it through the same proxy via
// WithDialer if needed. Enabling a proxy also activates the SOCKS REST-noop
// guard, since some SOCKS proxies misreport the transfer restart offset.
func WithProxy(dialer proxy.Dialer) Option {
	return func(c *Client) error {
		c.proxyDialer = dialer
		c.proxyInUse = dialer != nil
		return nil
	}
}
