package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/linnemanlabs-resources/internal/health"
	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func serve(t *testing.T, opts Options, remote, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	NewHandler(log.Nop(), opts).ServeHTTP(rec, req)
	return rec
}

func TestHandler_HealthAndReady(t *testing.T) {
	var gate health.ShutdownGate
	opts := Options{
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
	}

	if rec := serve(t, opts, "127.0.0.1:1", "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := serve(t, opts, "127.0.0.1:1", "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}

	gate.Set("shutting down")
	rec := serve(t, opts, "127.0.0.1:1", "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("draining ready = %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(t, opts, "127.0.0.1:1", "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("draining should not affect liveness, got %d", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("resource_resolutions_total 1\n"))
	})
	rec := serve(t, Options{Metrics: metrics}, "10.0.0.1:1", "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "resource_resolutions_total") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}

	if rec := serve(t, Options{}, "10.0.0.1:1", "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("nil metrics = %d, want 404", rec.Code)
	}
}

func TestHandler_Pprof(t *testing.T) {
	if rec := serve(t, Options{EnablePprof: true}, "127.0.0.1:1", "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled = %d", rec.Code)
	}
	if rec := serve(t, Options{}, "127.0.0.1:1", "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
}

func TestHandler_PanicRecovered(t *testing.T) {
	panics := 0
	opts := Options{
		Health:  health.CheckFunc(func(context.Context) error { panic("probe bug") }),
		OnPanic: func() { panics++ },
	}
	if rec := serve(t, opts, "127.0.0.1:1", "/-/healthy"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic = %d", panics)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:1", http.StatusOK},
		{"[::1]:1", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"8.8.8.8:1", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"garbage", http.StatusForbidden},
	}
	for _, tt := range tests {
		if rec := serve(t, Options{}, tt.remote, "/-/healthy"); rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}

	if rec := serve(t, Options{AllowPublic: true}, "8.8.8.8:1", "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("AllowPublic = %d", rec.Code)
	}
}

func TestStart_ServeAndStop(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("healthy = %d %q", resp.StatusCode, body)
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	if _, err := Start(context.Background(), log.Nop(), Options{Port: port}); err == nil {
		t.Fatal("expected listen error")
	}
}
