// ipprefix.go - Dual-stack client identity for rate limiting and the ledger.
//
// An IPv4 caller is identified by its full address; an IPv6 caller by the
// top 64 bits of its address (the routed-subnet boundary). The two
// families never share a key space. The canonical string form is stored
// in the ledger's uploader_ip column and used as the limiter map key.
package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// IPPrefix holds either a full IPv4 address or an IPv6 /64 prefix.
type IPPrefix struct {
	v6     bool
	octets [8]byte // first 4 used for IPv4
}

// PrefixFromAddr derives the rate-limit identity from a client address.
// IPv4-mapped IPv6 addresses are unmapped first so dual-stack listeners
// key v4 clients consistently.
func PrefixFromAddr(addr netip.Addr) IPPrefix {
	addr = addr.Unmap()
	var p IPPrefix
	if addr.Is4() {
		a4 := addr.As4()
		copy(p.octets[:4], a4[:])
		return p
	}
	a16 := addr.As16()
	p.v6 = true
	copy(p.octets[:], a16[:8])
	return p
}

// String returns the canonical fixed-width encoding, e.g. "v4_c0a80101"
// or "v6_20010db8abcd0012". Canonical forms are comparable as plain
// strings and parse back via ParsePrefix.
func (p IPPrefix) String() string {
	if p.v6 {
		return "v6_" + hex.EncodeToString(p.octets[:])
	}
	return "v4_" + hex.EncodeToString(p.octets[:4])
}

// Pretty renders the prefix in human-readable notation for logs and the
// admin dashboard.
func (p IPPrefix) Pretty() string {
	if p.v6 {
		o := p.octets
		return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x:%02x%02x::/64",
			o[0], o[1], o[2], o[3], o[4], o[5], o[6], o[7])
	}
	return fmt.Sprintf("%d.%d.%d.%d", p.octets[0], p.octets[1], p.octets[2], p.octets[3])
}

// ParsePrefix parses the canonical string form back into an IPPrefix.
func ParsePrefix(s string) (IPPrefix, error) {
	var p IPPrefix
	switch {
	case strings.HasPrefix(s, "v4_"):
		raw, err := hex.DecodeString(s[3:])
		if err != nil || len(raw) != 4 {
			return p, fmt.Errorf("invalid v4 prefix: %q", s)
		}
		copy(p.octets[:4], raw)
		return p, nil
	case strings.HasPrefix(s, "v6_"):
		raw, err := hex.DecodeString(s[3:])
		if err != nil || len(raw) != 8 {
			return p, fmt.Errorf("invalid v6 prefix: %q", s)
		}
		p.v6 = true
		copy(p.octets[:], raw)
		return p, nil
	default:
		return p, fmt.Errorf("invalid prefix encoding: %q", s)
	}
}

// clientPrefix resolves the caller's IPPrefix from the request.
//
// With proxyDepth == 0 the socket address is authoritative. With a
// positive depth the address is taken from X-Forwarded-For, counting
// depth entries from the right, so only values appended by trusted
// proxies are believed.
func clientPrefix(r *http.Request, proxyDepth int) (IPPrefix, error) {
	if proxyDepth <= 0 {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		if err != nil {
			// RemoteAddr without a port shows up in tests and some proxies.
			addr, aerr := netip.ParseAddr(r.RemoteAddr)
			if aerr != nil {
				return IPPrefix{}, fmt.Errorf("unparseable remote address %q: %w", r.RemoteAddr, err)
			}
			return PrefixFromAddr(addr), nil
		}
		return PrefixFromAddr(ap.Addr()), nil
	}

	forwarded := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	idx := len(forwarded) - proxyDepth
	if idx < 0 {
		return IPPrefix{}, fmt.Errorf("X-Forwarded-For has %d entries, need %d; check proxy configuration", len(forwarded), proxyDepth)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(forwarded[idx]))
	if err != nil {
		return IPPrefix{}, fmt.Errorf("unparseable X-Forwarded-For entry: %w", err)
	}
	return PrefixFromAddr(addr), nil
}
