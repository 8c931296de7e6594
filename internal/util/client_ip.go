package util

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is the set of proxy addresses whose forwarded headers
// are believed.
type TrustedProxies struct {
	nets []*net.IPNet
}

// NewTrustedProxies parses CIDR or bare-IP entries into an allowlist.
// An empty list means no proxy is trusted and the TCP peer is always
// the client.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: entry}
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		nets = append(nets, cidr)
	}
	if len(nets) == 0 {
		return nil, nil
	}
	return &TrustedProxies{nets: nets}, nil
}

// Contains reports whether ip falls inside a trusted range. A nil
// allowlist trusts nothing.
func (t *TrustedProxies) Contains(ip net.IP) bool {
	if t == nil || ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address for audit events. Forwarded
// headers count only when the TCP peer itself is a trusted proxy;
// otherwise any client could spoof its own audit trail.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer := peerIP(r.RemoteAddr)
	if peer == nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	if chain := forwardedChain(r.Header.Get("X-Forwarded-For")); len(chain) > 0 {
		chain = append(chain, peer)
		// walk right to left: the first hop we don't run is the client
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.Contains(chain[i]) {
				return chain[i].String()
			}
		}
		return chain[0].String()
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}
	return peer.String()
}

func forwardedChain(raw string) []net.IP {
	parts := strings.Split(raw, ",")
	out := make([]net.IP, 0, len(parts))
	for _, part := range parts {
		if ip := parseIP(part); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func peerIP(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return parseIP(host)
	}
	return parseIP(addr)
}

func parseIP(raw string) net.IP {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return net.ParseIP(raw)
}
