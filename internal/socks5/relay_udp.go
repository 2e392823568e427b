package socks5

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JoshCap20/simple-socks5/internal/logging"
)

// Default timeouts for UDP ASSOCIATE relays.
const (
	DefaultUDPIdleTimeout    = 120 * time.Second
	DefaultUDPForwardTimeout = 10 * time.Second
)

// udpAssociation is one client's UDP ASSOCIATE session: a relay socket
// bound for the lifetime of the TCP control connection, forwarding
// SOCKS-framed datagrams to arbitrary UDP destinations and relaying
// responses back.
type udpAssociation struct {
	relayConn *net.UDPConn
	resolver  *Resolver

	idleTimeout    time.Duration
	forwardTimeout time.Duration

	logger *slog.Logger

	clientAddr atomic.Pointer[net.UDPAddr]

	closed atomic.Bool
	doneWG sync.WaitGroup

	// onDrop and onBytes observe fragment-policy drops and relayed byte
	// counts for metrics; both are optional.
	onDrop  func()
	onBytes func(n int64)
}

// newUDPAssociation binds a relay socket on bindIP, on an ephemeral port.
func newUDPAssociation(bindIP net.IP, resolver *Resolver, idleTimeout, forwardTimeout time.Duration, logger *slog.Logger) (*udpAssociation, error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultUDPIdleTimeout
	}
	if forwardTimeout <= 0 {
		forwardTimeout = DefaultUDPForwardTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, err
	}

	return &udpAssociation{
		relayConn:      conn,
		resolver:       resolver,
		idleTimeout:    idleTimeout,
		forwardTimeout: forwardTimeout,
		logger:         logger,
	}, nil
}

// LocalAddr returns the relay socket's bound address, sent back to the
// client in the SUCCEEDED reply.
func (a *udpAssociation) LocalAddr() *net.UDPAddr {
	return a.relayConn.LocalAddr().(*net.UDPAddr)
}

// Close tears down the relay socket. Safe to call more than once.
func (a *udpAssociation) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.relayConn.Close()
	a.doneWG.Wait()
}

// run drives the association until the idle budget is exceeded or the
// socket is closed (by Close, typically triggered by the TCP control
// connection closing — RFC 1928 section 4).
func (a *udpAssociation) run() {
	a.doneWG.Add(1)
	defer a.doneWG.Done()

	buf := make([]byte, 65535)
	for {
		if err := a.relayConn.SetReadDeadline(time.Now().Add(a.idleTimeout)); err != nil {
			return
		}
		n, clientAddr, err := a.relayConn.ReadFromUDP(buf)
		if err != nil {
			if a.closed.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				a.logger.Debug("udp association idle timeout", logging.KeyDuration, a.idleTimeout)
				return
			}
			return
		}

		a.clientAddr.Store(clientAddr)
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		a.handleDatagram(datagram)
	}
}

// handleDatagram decodes one client-sent datagram and forwards it. Any
// datagram with FRAG != 0 is dropped silently (RFC 1928 section 7:
// fragmentation is not supported).
func (a *udpAssociation) handleDatagram(data []byte) {
	hdr, payload, err := DecodeUDPDatagram(data)
	if err != nil {
		a.logger.Debug("dropping malformed udp datagram", logging.KeyError, err)
		return
	}
	if hdr.Frag != 0 {
		a.logger.Debug("dropping fragmented udp datagram", "frag", hdr.Frag)
		if a.onDrop != nil {
			a.onDrop()
		}
		return
	}

	dst := hdr.Addr
	if dst.IsDomain() {
		ctx, cancel := context.WithTimeout(context.Background(), a.forwardTimeout)
		resolved, err := a.resolver.Forward(ctx, dst.Domain())
		cancel()
		if err != nil {
			a.logger.Debug("udp datagram domain resolution failed", logging.KeyAddress, dst.Domain())
			return
		}
		resolved.Port = dst.Port
		dst = resolved
	}

	go a.forward(dst, payload)
}

// forward opens a UDP socket in the destination's family, sends the
// payload, waits up to forwardTimeout for one response datagram, and
// relays it back to the client with a SOCKS-UDP header identifying the
// responder.
func (a *udpAssociation) forward(dst Address, payload []byte) {
	network := "udp4"
	if dst.IsIPv6() {
		network = "udp6"
	}

	forwardConn, err := net.DialUDP(network, nil, &net.UDPAddr{IP: dst.IP(), Port: int(dst.Port)})
	if err != nil {
		a.logger.Debug("udp forward dial failed", logging.KeyAddress, fmtAddr(dst), logging.KeyError, err)
		return
	}
	defer forwardConn.Close()

	if _, err := forwardConn.Write(payload); err != nil {
		a.logger.Debug("udp forward write failed", logging.KeyError, err)
		return
	}

	forwardConn.SetReadDeadline(time.Now().Add(a.forwardTimeout))
	respBuf := make([]byte, 65535)
	n, err := forwardConn.Read(respBuf)
	if err != nil {
		// No response within the forward timeout is a normal outcome for
		// fire-and-forget UDP traffic, not an association-ending error.
		return
	}

	client := a.clientAddr.Load()
	if client == nil {
		return
	}

	responder := dst
	responder.Port = uint16(forwardConn.RemoteAddr().(*net.UDPAddr).Port)
	header := EncodeUDPReplyHeader(responder)
	packet := make([]byte, len(header)+n)
	copy(packet, header)
	copy(packet[len(header):], respBuf[:n])

	if _, err := a.relayConn.WriteToUDP(packet, client); err != nil {
		a.logger.Debug("udp reply write failed", logging.KeyError, err)
		return
	}
	if a.onBytes != nil {
		a.onBytes(int64(len(payload) + n))
	}
}
