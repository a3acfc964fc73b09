package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-resources/internal/httpmw"
)

// fakeClock is advanced by hand so refill and eviction are deterministic
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, opts ...Option) (*IPLimiter, *fakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	all := append([]Option{WithRate(1, 3), WithTTL(time.Hour)}, opts...)
	l := New(ctx, all...)
	l.now = clk.Now
	return l, clk
}

func TestDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx)
	if l.perSecond != 10 || l.burst != 30 || l.ttl != 5*time.Minute || l.maxVisitors != 100000 {
		t.Fatalf("defaults = %v/%d/%v/%d", l.perSecond, l.burst, l.ttl, l.maxVisitors)
	}
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("request beyond burst allowed")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("separate IP should have its own bucket")
	}

	clk.Advance(time.Second)
	if !l.allow("10.0.0.1") {
		t.Fatal("token should have refilled after one second")
	}
}

func TestCallbacks(t *testing.T) {
	var first, denied atomic.Int32
	l, _ := newTestLimiter(t,
		WithRate(1, 1),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)

	l.allow("10.0.0.1")
	for i := 0; i < 4; i++ {
		l.allow("10.0.0.1")
	}
	if first.Load() != 1 || denied.Load() != 4 {
		t.Fatalf("first=%d denied=%d, want 1/4", first.Load(), denied.Load())
	}
}

func TestNilCallbacks_NoPanic(t *testing.T) {
	l, _ := newTestLimiter(t, WithRate(1, 1), WithMaxVisitors(1))
	l.allow("a")
	l.allow("a")
	l.allow("b")
}

func TestEvictStale(t *testing.T) {
	var first atomic.Int32
	l, clk := newTestLimiter(t,
		WithRate(1, 1),
		WithTTL(time.Minute),
		WithOnFirstDenied(func(string) { first.Add(1) }),
	)

	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	l.allow("10.0.0.2")

	clk.Advance(30 * time.Second)
	l.allow("10.0.0.2")

	clk.Advance(45 * time.Second)
	if n := l.evictStale(clk.Now()); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	l.mu.Lock()
	_, stale := l.visitors["10.0.0.1"]
	_, active := l.visitors["10.0.0.2"]
	l.mu.Unlock()
	if stale || !active {
		t.Fatalf("stale present=%v active present=%v", stale, active)
	}

	// a fresh entry reports its first denial again
	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	if first.Load() != 2 {
		t.Fatalf("first denials = %d, want 2", first.Load())
	}
}

func TestCleanup_Runs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, WithTTL(20*time.Millisecond))
	l.allow("10.0.0.1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := len(l.visitors)
		l.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("janitor never evicted the idle visitor")
}

func TestMaxVisitors(t *testing.T) {
	var capacity atomic.Int32
	l, clk := newTestLimiter(t,
		WithRate(100, 100),
		WithTTL(time.Minute),
		WithMaxVisitors(2),
		WithOnCapacity(func() { capacity.Add(1) }),
	)

	if !l.allow("a") || !l.allow("b") {
		t.Fatal("first two visitors should fit")
	}
	if l.allow("c") || l.allow("d") {
		t.Fatal("new visitors should be rejected at capacity")
	}
	if !l.allow("a") {
		t.Fatal("existing visitor should still be served")
	}
	if capacity.Load() != 1 {
		t.Fatalf("capacity callback = %d, want 1", capacity.Load())
	}

	clk.Advance(2 * time.Minute)
	l.evictStale(clk.Now())
	if !l.allow("c") {
		t.Fatal("eviction should free capacity")
	}
	l.allow("d")
	l.allow("e")
	if capacity.Load() != 2 {
		t.Fatalf("capacity callback after refill = %d, want 2", capacity.Load())
	}
}

func TestMaxVisitors_ZeroDisables(t *testing.T) {
	l, _ := newTestLimiter(t, WithMaxVisitors(0))
	for i := 0; i < 50; i++ {
		if !l.allow(fmt.Sprintf("10.0.1.%d", i)) {
			t.Fatalf("visitor %d rejected with no bound", i)
		}
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, WithRate(0.5, 1))
	var reached int
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		reached++
	})))

	do := func(remote string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/resources/x", nil)
		r.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	if rec := do("192.0.2.1:1000"); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := do("192.0.2.1:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Body.String() != `{"error":"too many requests"}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec := do("192.0.2.2:1000"); rec.Code != http.StatusOK {
		t.Fatalf("other ip = %d", rec.Code)
	}
	if reached != 2 {
		t.Fatalf("handler reached %d times, want 2", reached)
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t, WithRate(1000, 1000), WithMaxVisitors(64))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.allow(fmt.Sprintf("10.%d.0.%d", g, i%16))
			}
		}(g)
	}
	wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.visitors) > 64 {
		t.Fatalf("visitors = %d exceeds bound", len(l.visitors))
	}
}
