package ftp

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

var (
	pasvRegexp = regexp.MustCompile(`\(?\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*\)?`)
	epsvRegexp = regexp.MustCompile(`\(\|\|\|(\d{1,5})\|\)`)
)

// pasvMode distinguishes PASV from PASVEX: both share the wire format, but
// PASVEX always discards the parsed IP in favor of the control channel's
// remote host.
type pasvMode int

const (
	pasvPlain pasvMode = iota
	pasvExtended
)

// parsePASVReply extracts (host, port) from a PASV/PASVEX reply's message,
// tolerant of surrounding whitespace and optional parentheses. Private-
// range IPs are substituted with controlRemoteHost unless proxyInUse is
// set, working around servers that advertise an unreachable NATed
// address.
func parsePASVReply(message string, mode pasvMode, controlRemoteHost string, proxyInUse bool) (string, int, error) {
	m := pasvRegexp.FindStringSubmatch(message)
	if len(m) != 7 {
		return "", 0, parseErr("PASV", fmt.Sprintf("could not find six octets in reply: %q", message))
	}

	var octets [6]int
	for i := 0; i < 6; i++ {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v < 0 || v > 255 {
			return "", 0, parseErr("PASV", fmt.Sprintf("octet out of range: %q", m[i+1]))
		}
		octets[i] = v
	}

	host := fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3])
	port := octets[4]*256 + octets[5]

	if mode == pasvExtended {
		host = controlRemoteHost
	} else if !proxyInUse && isPrivateOrUnspecified(host) {
		host = controlRemoteHost
	}

	return host, port, nil
}

// parseEPSVReply extracts the port from an EPSV reply. On failure it
// retries with the PASV parser against the same message, since some
// servers mis-reply to EPSV with PASV-shaped text. On success
// the host is always the control channel's remote address — never a
// parsed hostname — to avoid DNS round-robin mismatch.
func parseEPSVReply(message string, controlRemoteHost string) (string, int, error) {
	m := epsvRegexp.FindStringSubmatch(message)
	if len(m) != 2 {
		if _, port, err := parsePASVReply(message, pasvPlain, controlRemoteHost, false); err == nil {
			return controlRemoteHost, port, nil
		}
		return "", 0, parseErr("EPSV", fmt.Sprintf("could not find port in reply: %q", message))
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, parseErr("EPSV", fmt.Sprintf("port out of range: %q", m[1]))
	}
	return controlRemoteHost, port, nil
}

var privateBlocks = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.1/32", "0.0.0.0/32"} {
		_, n, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

func isPrivateOrUnspecified(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// formatPORT renders host:port (IPv4 only) as PORT's h1,h2,h3,h4,p1,p2.
func formatPORT(host string, port int) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return "", argErr("PORT", fmt.Sprintf("invalid IP: %s", host))
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", argErr("PORT", "PORT requires an IPv4 address, use EPRT")
	}
	p1, p2 := port/256, port%256
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", v4[0], v4[1], v4[2], v4[3], p1, p2), nil
}

// formatEPRT renders host:port as EPRT's |proto|addr|port| form, proto=1
// for IPv4, 2 for IPv6 (RFC 2428).
func formatEPRT(host string, port int) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return "", argErr("EPRT", fmt.Sprintf("invalid IP: %s", host))
	}
	proto := 2
	if ip.To4() != nil {
		proto = 1
	}
	return fmt.Sprintf("|%d|%s|%d|", proto, host, port), nil
}
