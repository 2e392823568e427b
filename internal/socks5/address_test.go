package socks5

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestAddressFromIP(t *testing.T) {
	v4 := AddressFromIP(net.IPv4(192, 168, 1, 1))
	if v4.IsIPv6() {
		t.Error("IPv4 address reported as IsIPv6")
	}
	if v4.Host() != "192.168.1.1" {
		t.Errorf("Host() = %q, want 192.168.1.1", v4.Host())
	}

	v6 := AddressFromIP(net.ParseIP("::1"))
	if !v6.IsIPv6() {
		t.Error("IPv6 address not reported as IsIPv6")
	}
}

func TestResolver_Forward_CachesHits(t *testing.T) {
	r := NewResolver(2*time.Second, 16)

	var hits []bool
	r.SetLookupObserver(func(cacheHit, failed bool) {
		hits = append(hits, cacheHit)
	})

	ctx := context.Background()
	if _, err := r.Forward(ctx, "localhost"); err != nil {
		t.Fatalf("Forward(localhost) error = %v, want nil (should resolve via /etc/hosts)", err)
	}
	if _, err := r.Forward(ctx, "localhost"); err != nil {
		t.Fatalf("Forward(localhost) second call error = %v", err)
	}

	if len(hits) != 2 {
		t.Fatalf("observer called %d times, want 2", len(hits))
	}
	if hits[0] {
		t.Error("first lookup reported as cache hit")
	}
	if !hits[1] {
		t.Error("second lookup not reported as cache hit")
	}
}

func TestResolver_Forward_UnresolvableDomainFails(t *testing.T) {
	// The .invalid TLD is reserved by RFC 2606 to never resolve, so this
	// is a deterministic failure regardless of network availability.
	r := NewResolver(500*time.Millisecond, 16)

	_, err := r.Forward(context.Background(), "definitely-not-a-host.invalid")
	if err == nil {
		t.Fatal("Forward() error = nil, want failure for a reserved-invalid domain")
	}
}

func TestResolver_Reverse_NeverBlocksPastTimeout(t *testing.T) {
	// A reserved, non-routable address (RFC 5737 TEST-NET-3) has no PTR
	// record and, absent network access, fails or times out quickly
	// either way. Both paths fall back to the IP literal.
	r := NewResolver(50*time.Millisecond, 16)
	ip := net.ParseIP("203.0.113.1")

	start := time.Now()
	name := r.Reverse(ip)
	elapsed := time.Since(start)

	if name != ip.String() {
		t.Errorf("Reverse() = %q, want IP literal fallback %q", name, ip.String())
	}
	if elapsed > 2*time.Second {
		t.Errorf("Reverse() took %v, want bounded by its timeout", elapsed)
	}
}

func TestResolver_Reverse_Loopback(t *testing.T) {
	r := NewResolver(2*time.Second, 16)
	name := r.Reverse(net.IPv4(127, 0, 0, 1))
	if name == "" {
		t.Error("Reverse() = \"\", want a non-empty name or IP literal fallback")
	}
}
