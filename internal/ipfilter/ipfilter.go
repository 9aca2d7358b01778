// Package ipfilter restricts listeners to a list of allowed addresses and networks.
package ipfilter

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// Filter matches client addresses against allowed prefixes.
// A nil or empty Filter allows everything.
type Filter struct {
	prefixes   []netip.Prefix
	trustProxy bool
	logger     *slog.Logger
}

// New parses IPs and CIDRs. Single addresses become /32 or /128 prefixes.
func New(entries []string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{logger: logger}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", entry, err)
		}
		addr = addr.Unmap()
		f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return f, nil
}

// TrustProxyHeaders makes HTTP checks use X-Forwarded-For and X-Real-IP
func (f *Filter) TrustProxyHeaders(trust bool) *Filter {
	f.trustProxy = trust
	return f
}

// Enabled reports whether any prefix is configured
func (f *Filter) Enabled() bool {
	return f != nil && len(f.prefixes) > 0
}

// Len returns the number of configured prefixes
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.prefixes)
}

// Allowed reports whether addr is in one of the prefixes
func (f *Filter) Allowed(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowedAddr checks a "host:port" or bare host string, as returned by net.Addr.String
func (f *Filter) AllowedAddr(s string) bool {
	if !f.Enabled() {
		return true
	}
	addr, ok := parseHost(s)
	if !ok {
		return false
	}
	return f.Allowed(addr)
}

// ClientAddr returns the address a request originates from
func (f *Filter) ClientAddr(r *http.Request) (netip.Addr, bool) {
	if f != nil && f.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr, true
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
				return addr, true
			}
		}
	}
	return parseHost(r.RemoteAddr)
}

// Middleware rejects requests from other addresses with 403
func (f *Filter) Middleware(next http.Handler) http.Handler {
	if !f.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := f.ClientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client address", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !f.Allowed(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseHost(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}
