package ftp

import (
	"io"
	"net"
	"testing"
)

func TestDataChannelMode_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode DataChannelMode
		want string
	}{
		{AutoPassive, "AutoPassive"},
		{AutoActive, "AutoActive"},
		{ModeEPSV, "EPSV"},
		{ModePASV, "PASV"},
		{ModePASVEX, "PASVEX"},
		{ModeEPRT, "EPRT"},
		{ModePORT, "PORT"},
		{DataChannelMode(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("%v.String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestIsNLSTEmptyDirQuirk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cmd  string
		reply *Reply
		want bool
	}{
		{"NLST empty dir", "NLST", &Reply{Code: 550, Message: "No files found."}, true},
		{"nlst lowercase", "nlst", &Reply{Code: 550, Message: "No files found."}, true},
		{"NLST with args", "NLST /empty", &Reply{Code: 550, Message: "No files found."}, true},
		{"NLST other failure", "NLST", &Reply{Code: 550, Message: "Permission denied."}, false},
		{"RETR missing file", "RETR", &Reply{Code: 550, Message: "No files found."}, false},
		{"NLST success", "NLST", &Reply{Code: 150, Message: "Opening data connection"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNLSTEmptyDirQuirk(tt.cmd, tt.reply); got != tt.want {
				t.Errorf("isNLSTEmptyDirQuirk() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPortOf(t *testing.T) {
	t.Parallel()
	p, err := portOf("50000")
	if err != nil || p != 50000 {
		t.Errorf("portOf() = (%d, %v), want (50000, nil)", p, err)
	}
	if _, err := portOf("not-a-port"); err == nil {
		t.Error("portOf() should error on a non-numeric string")
	}
}

func TestApplyIPv6UpgradePolicy(t *testing.T) {
	t.Parallel()
	v4Conn, v4Peer := net.Pipe()
	defer v4Conn.Close()
	defer v4Peer.Close()
	cc4 := &controlChannel{conn: &fakeAddrConn{Conn: v4Conn, local: "203.0.113.5:21"}}

	tests := []struct {
		name string
		cc   *controlChannel
		mode DataChannelMode
		want DataChannelMode
	}{
		{"IPv4 local, PASV untouched", cc4, ModePASV, ModePASV},
		{"IPv4 local, PORT untouched", cc4, ModePORT, ModePORT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := applyIPv6UpgradePolicy(tt.cc, tt.mode); got != tt.want {
				t.Errorf("applyIPv6UpgradePolicy() = %v, want %v", got, tt.want)
			}
		})
	}

	v6Conn, v6Peer := net.Pipe()
	defer v6Conn.Close()
	defer v6Peer.Close()
	cc6 := &controlChannel{conn: &fakeAddrConn{Conn: v6Conn, local: "[2001:db8::1]:21"}}

	if got := applyIPv6UpgradePolicy(cc6, ModePASV); got != ModeEPSV {
		t.Errorf("applyIPv6UpgradePolicy(PASV) over IPv6 = %v, want ModeEPSV", got)
	}
	if got := applyIPv6UpgradePolicy(cc6, ModePASVEX); got != ModeEPSV {
		t.Errorf("applyIPv6UpgradePolicy(PASVEX) over IPv6 = %v, want ModeEPSV", got)
	}
	if got := applyIPv6UpgradePolicy(cc6, ModePORT); got != ModeEPRT {
		t.Errorf("applyIPv6UpgradePolicy(PORT) over IPv6 = %v, want ModeEPRT", got)
	}
}

func TestDataChannel_EmptyQuirk(t *testing.T) {
	t.Parallel()
	dc := &dataChannel{empty: true}
	buf := make([]byte, 16)
	if _, err := dc.Read(buf); err != io.EOF {
		t.Errorf("Read() on an empty data channel should return io.EOF, got %v", err)
	}
	if err := dc.Close(); err != nil {
		t.Errorf("Close() on an empty data channel should be a no-op, got %v", err)
	}
}

func TestDataChannel_ByteCounting(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dc := &dataChannel{conn: client}
	go func() {
		server.Write([]byte("hello"))
		server.Close()
	}()

	buf := make([]byte, 16)
	n, err := dc.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read() error = %v", err)
	}
	if n != 5 {
		t.Fatalf("Read() n = %d, want 5", n)
	}
	if dc.bytesIn != 5 {
		t.Errorf("bytesIn = %d, want 5", dc.bytesIn)
	}
}

// fakeAddrConn lets tests control LocalAddr() without a real socket.
type fakeAddrConn struct {
	net.Conn
	local string
}

func (f *fakeAddrConn) LocalAddr() net.Addr {
	return fakeAddr(f.local)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }
