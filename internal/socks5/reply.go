package socks5

import (
	"io"
	"net"
	"strconv"
)

// writeReply encodes and writes a reply, substituting the IPv4 zero address
// when addr is the unresolved domain form or has no usable bytes — RFC 1928
// requires a valid ATYP in every reply even when no address is meaningful.
func writeReply(w io.Writer, replyCode byte, addr Address, port uint16) error {
	if addr.IsDomain() || addr.IP() == nil {
		addr = ZeroAddress
		port = 0
	}
	_, err := w.Write(EncodeReply(replyCode, addr, port))
	return err
}

// replySucceeded sends the success reply carrying the proxy's bind address.
func replySucceeded(w io.Writer, bindAddr net.Addr) error {
	ip, port := splitNetAddr(bindAddr)
	return writeReply(w, ReplySucceeded, AddressFromIP(ip), port)
}

// replyError sends a failure reply with no meaningful bind address.
func replyError(w io.Writer, code byte) error {
	return writeReply(w, code, ZeroAddress, 0)
}

// replyForErrAndSend maps err to a reply code and writes it, best-effort —
// write failures are not reported since the connection is already on its
// way out.
func replyForErrAndSend(w io.Writer, err error) {
	_ = replyError(w, replyForError(err))
}

func splitNetAddr(addr net.Addr) (net.IP, uint16) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, uint16(a.Port)
	case *net.UDPAddr:
		return a.IP, uint16(a.Port)
	default:
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.IPv4zero, 0
		}
		ip := net.ParseIP(host)
		port, _ := strconv.ParseUint(portStr, 10, 16)
		return ip, uint16(port)
	}
}
