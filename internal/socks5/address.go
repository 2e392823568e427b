package socks5

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/godump/lru"
)

// addrKind tags which variant an Address holds. The domain variant only
// ever appears in request parsing and UDP datagram headers; by the time an
// Address reaches a dialer it has been resolved to IPv4 or IPv6.
type addrKind int

const (
	kindIPv4 addrKind = iota
	kindIPv6
	kindDomain
)

// Address is a tagged variant over {IPv4, IPv6, Domain}, paired with a
// 16-bit port. CanonicalName holds the domain name a request named when
// the address was resolved from one; it is never required for correctness.
type Address struct {
	kind          addrKind
	ip            net.IP
	domain        string
	Port          uint16
	CanonicalName string
}

// AddressFromIP builds an Address from a net.IP, tagging it IPv4 or IPv6
// based on the 4-vs-16 byte form.
func AddressFromIP(ip net.IP) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{kind: kindIPv4, ip: v4}
	}
	return Address{kind: kindIPv6, ip: ip.To16()}
}

// AddressFromDomain builds the domain variant of an Address.
func AddressFromDomain(name string) Address {
	return Address{kind: kindDomain, domain: name}
}

// IsDomain reports whether this address is still in unresolved domain form.
func (a Address) IsDomain() bool { return a.kind == kindDomain }

// IsIPv6 reports whether this address is the IPv6 variant.
func (a Address) IsIPv6() bool { return a.kind == kindIPv6 }

// IP returns the resolved net.IP, or nil for the domain variant.
func (a Address) IP() net.IP { return a.ip }

// Domain returns the unresolved domain name, or "" for IP variants.
func (a Address) Domain() string { return a.domain }

// Host returns a string form suitable for net.JoinHostPort: the IP literal
// for resolved addresses, or the domain name otherwise.
func (a Address) Host() string {
	if a.kind == kindDomain {
		return a.domain
	}
	return a.ip.String()
}

// HostPort joins Host() and Port the way net.Dial expects.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// wireForm returns the ATYP byte and raw address bytes for encoding onto
// the wire. The zero Address (no kind set intentionally, used for error
// replies) encodes as IPv4 0.0.0.0.
func (a Address) wireForm() (atyp byte, raw []byte) {
	switch a.kind {
	case kindIPv6:
		b := a.ip.To16()
		if b == nil {
			b = make([]byte, 16)
		}
		return AddrTypeIPv6, b
	case kindDomain:
		// Domain never appears in a reply; callers substitute IPv4 zero
		// before calling EncodeReply. Fall through defensively.
		return AddrTypeIPv4, make([]byte, 4)
	default:
		b := a.ip.To4()
		if b == nil {
			b = make([]byte, 4)
		}
		return AddrTypeIPv4, b
	}
}

// ZeroAddress is the IPv4 0.0.0.0 address substituted into error replies
// that carry no meaningful bind address.
var ZeroAddress = AddressFromIP(net.IPv4zero)

// Resolver performs bounded-time name resolution. Forward lookups are
// cached in a small LRU so repeated hits against the same destination
// don't re-enter the resolver.
type Resolver struct {
	timeout time.Duration
	cache   *lru.Lru[string, resolvedAddr]

	// onLookup, if set, observes each Forward call's outcome for metrics.
	onLookup func(cacheHit, failed bool)
}

type resolvedAddr struct {
	ip     net.IP
	isIPv6 bool
}

// DefaultResolverTimeout is the default DNS lookup bound.
const DefaultResolverTimeout = 2 * time.Second

// DefaultResolverCacheSize is the default forward-lookup LRU capacity.
const DefaultResolverCacheSize = 1024

// NewResolver builds a Resolver with the given timeout and cache capacity.
// A non-positive timeout or capacity falls back to DefaultResolverTimeout
// or DefaultResolverCacheSize; the cache is never disabled.
func NewResolver(timeout time.Duration, cacheSize int) *Resolver {
	if timeout <= 0 {
		timeout = DefaultResolverTimeout
	}
	if cacheSize <= 0 {
		cacheSize = DefaultResolverCacheSize
	}
	return &Resolver{
		timeout: timeout,
		cache:   lru.New[string, resolvedAddr](cacheSize),
	}
}

// Forward resolves name to an IP address, preferring whichever family the
// platform resolver returns first. On failure or timeout it returns the
// name unchanged in domain form together with ErrDNSFailure, which the
// handler maps to a HostUnreachable reply.
//
// The underlying net.Resolver is not reliably cancelable on every platform,
// so the lookup runs on its own goroutine and its result is abandoned (not
// awaited) once the deadline passes — the caller is never blocked past
// timeout even if the goroutine is still outstanding.
func (r *Resolver) Forward(ctx context.Context, name string) (Address, error) {
	if cached, ok := r.cache.GetExists(name); ok {
		r.observe(true, false)
		if cached.isIPv6 {
			return Address{kind: kindIPv6, ip: cached.ip}, nil
		}
		return Address{kind: kindIPv4, ip: cached.ip}, nil
	}

	type result struct {
		ips []net.IP
		err error
	}
	done := make(chan result, 1)

	go func() {
		ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", name)
		done <- result{ips, err}
	}()

	timeout := r.timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil || len(res.ips) == 0 {
			r.observe(false, true)
			return AddressFromDomain(name), ErrDNSFailure
		}
		picked := res.ips[0]
		resolved := AddressFromIP(picked)
		r.cache.Set(name, resolvedAddr{ip: resolved.ip, isIPv6: resolved.kind == kindIPv6})
		r.observe(false, false)
		return resolved, nil
	case <-timer.C:
		r.observe(false, true)
		return AddressFromDomain(name), ErrDNSFailure
	case <-ctx.Done():
		r.observe(false, true)
		return AddressFromDomain(name), ErrDNSFailure
	}
}

func (r *Resolver) observe(cacheHit, failed bool) {
	if r.onLookup != nil {
		r.onLookup(cacheHit, failed)
	}
}

// SetLookupObserver registers a callback invoked after every Forward call
// with whether it was served from cache and whether it failed, for
// metrics collection. Not required for correctness.
func (r *Resolver) SetLookupObserver(fn func(cacheHit, failed bool)) {
	r.onLookup = fn
}

// Reverse returns the canonical hostname for ip, or the IP literal on
// failure or timeout. It never fails: callers use it only to decorate log
// lines and must never gate protocol behavior on its result.
func (r *Resolver) Reverse(ip net.IP) string {
	done := make(chan string, 1)
	go func() {
		names, err := net.DefaultResolver.LookupAddr(context.Background(), ip.String())
		if err != nil || len(names) == 0 {
			done <- ip.String()
			return
		}
		done <- names[0]
	}()

	select {
	case name := <-done:
		return name
	case <-time.After(r.timeout):
		return ip.String()
	}
}
