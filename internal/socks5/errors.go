package socks5

import (
	"errors"
	"net"
	"strings"
)

// Typed error kinds, mapped to SOCKS5 reply codes below. These are
// sentinel errors so callers can use errors.Is against them even after a
// handler wraps them with additional context.
var (
	ErrBadVersion          = errors.New("socks5: unsupported protocol version")
	ErrShortRead           = errors.New("socks5: short read")
	ErrNoAcceptableMethods = errors.New("socks5: no acceptable authentication method")
	ErrAuthFailed          = errors.New("socks5: authentication failed")
	ErrReservedNonZero     = errors.New("socks5: reserved field not zero")
	ErrBadAddressType      = errors.New("socks5: unsupported address type")
	ErrCmdNotSupported     = errors.New("socks5: unsupported command")
	ErrDNSFailure          = errors.New("socks5: forward DNS lookup failed")

	// ErrUDPDisabled describes a UDP ASSOCIATE request on a server built
	// without UDP relay support. The handler does not return it; it answers
	// such a request with a CMD_NOT_SUPPORTED reply.
	ErrUDPDisabled = errors.New("socks5: UDP relay is disabled")
)

// replyForError maps an error to the SOCKS5 reply code the client should
// receive for it. Errors from the outbound dialer surface as
// *net.OpError/*net.DNSError rather than one of the sentinels above, so
// those are inspected structurally.
func replyForError(err error) byte {
	switch {
	case errors.Is(err, ErrReservedNonZero):
		return ReplyServerFailure
	case errors.Is(err, ErrBadAddressType):
		return ReplyAddrNotSupported
	case errors.Is(err, ErrCmdNotSupported):
		return ReplyCmdNotSupported
	case errors.Is(err, ErrDNSFailure):
		return ReplyHostUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ReplyTTLExpired
		}
		msg := opErr.Error()
		switch {
		case strings.Contains(msg, "connection refused"):
			return ReplyConnectionRefused
		case strings.Contains(msg, "network is unreachable"):
			return ReplyNetworkUnreachable
		case strings.Contains(msg, "no route to host"), strings.Contains(msg, "host is unreachable"):
			return ReplyHostUnreachable
		}
		return ReplyHostUnreachable
	}

	return ReplyServerFailure
}
