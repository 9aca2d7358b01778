package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustNew(t *testing.T, entries ...string) *Filter {
	t.Helper()
	f, err := New(entries, newTestLogger())
	if err != nil {
		t.Fatalf("New(%v) error = %v", entries, err)
	}
	return f
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		wantLen int
		wantErr bool
	}{
		{name: "empty list", entries: nil, wantLen: 0},
		{name: "single IP", entries: []string{"192.168.1.1"}, wantLen: 1},
		{name: "CIDR and IPv6", entries: []string{"10.0.0.0/8", "::1", "2001:db8::/32"}, wantLen: 3},
		{name: "whitespace and blanks", entries: []string{"  192.168.1.1 ", "", " 10.0.0.0/8"}, wantLen: 2},
		{name: "invalid IP", entries: []string{"192.168.1.1", "example"}, wantErr: true},
		{name: "invalid CIDR", entries: []string{"10.0.0.0/40"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.entries, newTestLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && f.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", f.Len(), tt.wantLen)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		addr    string
		want    bool
	}{
		{"empty filter allows all", nil, "1.2.3.4", true},
		{"exact match", []string{"192.168.1.1"}, "192.168.1.1", true},
		{"exact no match", []string{"192.168.1.1"}, "192.168.1.2", false},
		{"CIDR contains", []string{"192.168.0.0/16"}, "192.168.1.100", true},
		{"CIDR excludes", []string{"192.168.0.0/16"}, "10.0.0.1", false},
		{"unmasked CIDR", []string{"10.1.2.3/8"}, "10.200.0.1", true},
		{"IPv4-mapped IPv6", []string{"127.0.0.1"}, "::ffff:127.0.0.1", true},
		{"IPv6 CIDR", []string{"2001:db8::/32"}, "2001:db8::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustNew(t, tt.entries...)
			if got := f.Allowed(netip.MustParseAddr(tt.addr)); got != tt.want {
				t.Errorf("Allowed(%s) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestAllowedAddr(t *testing.T) {
	f := mustNew(t, "192.168.1.0/24", "::1")

	cases := map[string]bool{
		"192.168.1.50:2525": true,
		"192.168.1.50":      true,
		"[::1]:2525":        true,
		"10.0.0.1:2525":     false,
		"not-an-address":    false,
	}
	for in, want := range cases {
		if got := f.AllowedAddr(in); got != want {
			t.Errorf("AllowedAddr(%q) = %v, want %v", in, got, want)
		}
	}

	var disabled *Filter
	if !disabled.AllowedAddr("garbage") {
		t.Error("nil filter should allow everything")
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		xff   string
		xri   string
		want  string
	}{
		{name: "remote addr", want: "10.9.8.7"},
		{name: "headers ignored without trust", xff: "203.0.113.50", want: "10.9.8.7"},
		{name: "forwarded chain", trust: true, xff: "203.0.113.50, 70.41.3.18", want: "203.0.113.50"},
		{name: "real ip", trust: true, xri: "198.51.100.25", want: "198.51.100.25"},
		{name: "forwarded wins", trust: true, xff: "203.0.113.50", xri: "198.51.100.25", want: "203.0.113.50"},
		{name: "bad header falls back", trust: true, xff: "unknown", want: "10.9.8.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustNew(t).TrustProxyHeaders(tt.trust)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.9.8.7:41000"
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			addr, ok := f.ClientAddr(req)
			if !ok || addr.String() != tt.want {
				t.Errorf("ClientAddr() = %v, %v; want %s", addr, ok, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		entries    []string
		remote     string
		wantStatus int
	}{
		{"no filter", nil, "1.2.3.4:1", http.StatusOK},
		{"allowed", []string{"192.168.0.0/16"}, "192.168.1.100:1", http.StatusOK},
		{"denied", []string{"192.168.0.0/16"}, "10.0.0.1:1", http.StatusForbidden},
		{"unparseable remote", []string{"192.168.0.0/16"}, "pipe", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := mustNew(t, tt.entries...).Middleware(ok)

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remote
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
