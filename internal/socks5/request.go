package socks5

import (
	"context"
	"io"
	"time"
)

// parseRequest reads a full SOCKS5 request off r: the 4-byte header, then
// the address and port. For ATYP=DOMAIN it resolves the name through
// resolver and rewrites Addr to the resolved IP, preserving the original
// domain in Addr.CanonicalName for logging.
//
// Does not itself connect or dispatch; the caller maps cmd to a relay.
func parseRequest(r io.Reader, resolver *Resolver, resolveTimeout time.Duration) (Request, error) {
	cmd, atyp, err := DecodeRequestHeader(r)
	if err != nil {
		return Request{}, err
	}

	addr, err := DecodeAddress(r, atyp)
	if err != nil {
		return Request{}, err
	}

	if addr.IsDomain() {
		name := addr.Domain()
		port := addr.Port

		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		resolved, err := resolver.Forward(ctx, name)
		cancel()
		if err != nil {
			return Request{}, err
		}
		resolved.Port = port
		resolved.CanonicalName = name
		addr = resolved
	}

	return Request{Command: cmd, AddrType: atyp, Addr: addr}, nil
}
