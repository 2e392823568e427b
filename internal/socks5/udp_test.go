package socks5

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// TestUDPFragmentDrop exercises scenario S6 and testable property 4: a
// datagram with FRAG != 0 must not cause any outbound forward socket to be
// opened, and must not be replied to.
func TestUDPFragmentDrop(t *testing.T) {
	echoAddr, stop := newUDPEcho(t)
	defer stop()

	resolver := NewResolver(time.Second, 16)
	assoc, err := newUDPAssociation(net.IPv4zero, resolver, time.Second, 200*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("newUDPAssociation() error = %v", err)
	}
	defer assoc.Close()

	go assoc.run()

	client, err := net.DialUDP("udp4", nil, assoc.LocalAddr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer client.Close()

	fragmented := buildUDPDatagram(t, 0x01, echoAddr, []byte("should be dropped"))
	client.Write(fragmented)

	client.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 512)
	if n, _, err := client.ReadFromUDP(buf); err == nil {
		t.Fatalf("got reply for fragmented datagram (%d bytes), want none", n)
	}

	// A well-formed follow-up datagram must still be forwarded normally.
	ok := buildUDPDatagram(t, 0x00, echoAddr, []byte("hello"))
	client.Write(ok)

	client.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a reply for non-fragmented datagram: %v", err)
	}
	hdr, payload, err := DecodeUDPDatagram(buf[:n])
	if err != nil {
		t.Fatalf("DecodeUDPDatagram() error = %v", err)
	}
	if hdr.Frag != 0 {
		t.Errorf("reply FRAG = %d, want 0", hdr.Frag)
	}
	if !bytes.Equal(payload, []byte("hello")) {
		t.Errorf("payload = %q, want %q", payload, "hello")
	}
}

func newUDPEcho(t *testing.T) (*net.UDPAddr, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp echo: %v", err)
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr), func() { conn.Close() }
}

func buildUDPDatagram(t *testing.T, frag byte, dst *net.UDPAddr, payload []byte) []byte {
	t.Helper()
	addr := AddressFromIP(dst.IP)
	addr.Port = uint16(dst.Port)
	header := EncodeUDPReplyHeader(addr)
	header[2] = frag
	return append(header, payload...)
}

func TestUDPDatagramDecode_Truncated(t *testing.T) {
	_, _, err := DecodeUDPDatagram([]byte{0x00, 0x00, 0x00})
	if err != ErrShortRead {
		t.Fatalf("DecodeUDPDatagram() error = %v, want ErrShortRead", err)
	}
}
