package socks5

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// newTestServer starts a server with the given auth config on an ephemeral
// port and returns it; callers must Stop() it.
func newTestServer(t *testing.T, authCfg AuthConfig) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		Handler: HandlerConfig{Authenticators: BuildAuthenticators(authCfg)},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return srv
}

func dialProxy(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// TestUserPassAuthSuccess exercises scenario S3.
func TestUserPassAuthSuccess(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Required: true, Users: map[string]string{"myusername": "mypassword"}})
	defer srv.Stop()

	conn := dialProxy(t, srv)
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x02})
	sel := make([]byte, 2)
	readFull(conn, sel)
	if !bytes.Equal(sel, []byte{0x05, AuthMethodUserPass}) {
		t.Fatalf("method selection = % x, want [05 02]", sel)
	}

	record := []byte{0x01, 10, 'm', 'y', 'u', 's', 'e', 'r', 'n', 'a', 'm', 'e', 10, 'm', 'y', 'p', 'a', 's', 's', 'w', 'o', 'r', 'd'}
	conn.Write(record)

	status := make([]byte, 2)
	readFull(conn, status)
	if !bytes.Equal(status, []byte{0x01, AuthStatusSuccess}) {
		t.Fatalf("auth status = % x, want [01 00]", status)
	}
}

// TestUserPassAuthFailure exercises scenario S4: a bad password gets
// [0x01, 0x01] and the connection is closed before any request phase.
func TestUserPassAuthFailure(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Required: true, Users: map[string]string{"myusername": "mypassword"}})
	defer srv.Stop()

	conn := dialProxy(t, srv)
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x02})
	sel := make([]byte, 2)
	readFull(conn, sel)

	record := []byte{0x01, 10, 'm', 'y', 'u', 's', 'e', 'r', 'n', 'a', 'm', 'e', 5, 'w', 'r', 'o', 'n', 'g'}
	conn.Write(record)

	status := make([]byte, 2)
	readFull(conn, status)
	if !bytes.Equal(status, []byte{0x01, AuthStatusFailure}) {
		t.Fatalf("auth status = % x, want [01 01]", status)
	}

	// The connection must now be closed: no request-phase reply follows.
	conn.Write([]byte{0x05, CmdConnect, 0x00, 0x01, 127, 0, 0, 1, 0, 80})
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("connection still open after auth failure (n=%d, err=%v)", n, err)
	}
}

// TestAuthGateExcludesNoAuth exercises testable property 5: when
// auth-required=true, NO_AUTH must never appear in the offered set the
// negotiator will select, even if the client offers it.
func TestAuthGateExcludesNoAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Required: true, Users: map[string]string{"u": "p"}})
	defer srv.Stop()

	conn := dialProxy(t, srv)
	defer conn.Close()

	// Offer both NO_AUTH and USERPASS.
	conn.Write([]byte{0x05, 0x02, 0x00, 0x02})
	sel := make([]byte, 2)
	readFull(conn, sel)
	if sel[1] == AuthMethodNoAuth {
		t.Fatalf("server selected NO_AUTH while auth-required=true")
	}
	if sel[1] != AuthMethodUserPass {
		t.Fatalf("method selection = %d, want AuthMethodUserPass", sel[1])
	}
}

// TestNoAcceptableMethods exercises the NoAcceptableMethods error path: a
// client offering only GSSAPI against an auth-required server gets 0xFF
// and the connection closes.
func TestNoAcceptableMethods(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Required: true, Users: map[string]string{"u": "p"}})
	defer srv.Stop()

	conn := dialProxy(t, srv)
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x01}) // GSSAPI only
	sel := make([]byte, 2)
	readFull(conn, sel)
	if !bytes.Equal(sel, []byte{0x05, AuthMethodNoAcceptable}) {
		t.Fatalf("method selection = % x, want [05 ff]", sel)
	}
}

// TestBadVersionClosesSilently exercises testable property 2: a non-5
// first byte must terminate the connection without writing any bytes.
func TestBadVersionClosesSilently(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	defer srv.Stop()

	conn := dialProxy(t, srv)
	defer conn.Close()

	conn.Write([]byte{0x04, 0x01, 0x00})

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("server wrote data after bad version (n=%d, err=%v), want silent close", n, err)
	}
}
