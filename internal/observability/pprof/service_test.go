package pprof

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "ledgerbot/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func get(t *testing.T, url string, hdr http.Header) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestServeReconfigureDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Reconfigure(ctx, Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		MutexProfileFraction: 7,
		BlockProfileRate:     1,
	})
	waitFor(t, func() bool { return s.Addr() != "" })

	addr := s.Addr()
	if got := get(t, "http://"+addr+"/debug/pprof/", nil); got != http.StatusOK {
		t.Fatalf("index status = %d, want %d", got, http.StatusOK)
	}
	if got := get(t, "http://"+addr+"/healthz", nil); got != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", got, http.StatusOK)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("server still bound at %s after disable", got)
	}
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekrit"})
	waitFor(t, func() bool { return s.Addr() != "" })
	base := "http://" + s.Addr()

	if got := get(t, base+"/healthz", nil); got != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want %d", got, http.StatusUnauthorized)
	}
	if got := get(t, base+"/healthz?token=wrong", nil); got != http.StatusUnauthorized {
		t.Fatalf("wrong-token status = %d, want %d", got, http.StatusUnauthorized)
	}
	if got := get(t, base+"/healthz?token=sekrit", nil); got != http.StatusOK {
		t.Fatalf("query-token status = %d, want %d", got, http.StatusOK)
	}
	hdr := http.Header{"Authorization": []string{"Bearer sekrit"}}
	if got := get(t, base+"/healthz", hdr); got != http.StatusOK {
		t.Fatalf("bearer status = %d, want %d", got, http.StatusOK)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.5:6060", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", "/debug/pprof/"},
		{"debug/pprof", "/debug/pprof/"},
		{"/profiling", "/profiling/"},
		{"/profiling/", "/profiling/"},
	}
	for _, tt := range tests {
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
