package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/ipfilter"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerHandler(t *testing.T) {
	m := New()
	m.FollowUpsCreatedTotal.Inc()

	filter, err := ipfilter.New([]string{"10.0.0.0/8"}, newTestLogger())
	if err != nil {
		t.Fatalf("ipfilter.New() error = %v", err)
	}
	h := NewServer(m, "", "", filter, newTestLogger()).Handler()

	tests := []struct {
		name       string
		path       string
		remote     string
		wantStatus int
		wantBody   string
	}{
		{"allowed scrape", "/metrics", "10.1.2.3:5000", http.StatusOK, "drip_followups_created_total 1"},
		{"denied scrape", "/metrics", "192.0.2.1:5000", http.StatusForbidden, ""},
		{"health is open", "/health", "192.0.2.1:5000", http.StatusOK, "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remote
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
		})
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	s := NewServer(New(), ln.Addr().String(), "/custom", nil, newTestLogger())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/custom")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}
