// Package ftp implements the control-connection command engine and
// data-connection transfer engine of an FTP client: RFC 959 plus EPSV/EPRT
// (RFC 2428), PRET, REST-based resume, AUTH TLS/FTPS, and FEAT-driven
// feature negotiation.
//
// # Overview
//
// Dial opens the control connection and performs the handshake (and, for
// implicit TLS, the TLS handshake itself). Login authenticates. Retrieve
// and Store drive the data connection, handling passive/active negotiation,
// TLS activation order, chunked I/O with optional rate limiting, periodic
// NOOP keep-alives, and resume-on-disconnect transparently.
//
//	client, err := ftp.Dial("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
//
//	if err := client.Login("user", "pass"); err != nil {
//	    log.Fatal(err)
//	}
//
//	f, err := os.Create("local.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Close()
//
//	outcome, err := client.Retrieve(context.Background(), "remote.txt", f, 0)
//
// # TLS
//
// WithExplicitTLS upgrades a plaintext connection via AUTH TLS before
// login; WithImplicitTLS dials straight into TLS, typically on port 990.
// WithDataProtection additionally negotiates PBSZ 0 + PROT P so data
// channels are encrypted too.
//
// # Resumable transfers
//
// Retrieve and Store accept a byte offset. A transport fault mid-transfer
// is recovered by reopening the data channel with REST at the current
// offset (download) or reissuing APPE (upload, since REST+STOR truncates
// server-side on most servers). Cancellation via context never triggers a
// resume.
//
// # Errors
//
// All errors are *ftp.Error, carrying a Kind (Argument, ProtocolState,
// Command, Transport, Parse, Canceled, Timeout) and, for Command errors,
// the server's Reply. Use errors.As to inspect it, or ftp.ReplyOf as a
// shortcut. IsResumable reports whether the Transfer Engine would have
// attempted to recover from a given error itself.
package ftp
