package health

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("ok probe: %v", err)
	}
	if err := Fixed(false, "disk gone").Check(context.Background()); err == nil || err.Error() != "disk gone" {
		t.Fatalf("fail probe: %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("default reason: %v", err)
	}
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	calledAfterFailure := false
	after := CheckFunc(func(context.Context) error { calledAfterFailure = true; return nil })

	err := All(Fixed(true, ""), nil, Fixed(false, "first"), Fixed(false, "second"), after).Check(ctx)
	if err == nil || err.Error() != "first" {
		t.Fatalf("All = %v, want first", err)
	}
	if calledAfterFailure {
		t.Fatal("All should short-circuit")
	}
	if err := All().Check(ctx); err != nil {
		t.Fatalf("empty All: %v", err)
	}
}

func TestAny(t *testing.T) {
	ctx := context.Background()
	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(ctx); err != nil {
		t.Fatalf("one passing: %v", err)
	}
	if err := Any(Fixed(false, "a"), nil, Fixed(false, "b")).Check(ctx); err == nil || err.Error() != "b" {
		t.Fatalf("all failing = %v, want b", err)
	}
	if err := Any(nil).Check(ctx); err == nil {
		t.Fatal("no probes should fail")
	}
}

func TestTimeout(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	err := Timeout(slow, 20*time.Millisecond).Check(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not applied")
	}
	if err := Timeout(nil, time.Second).Check(context.Background()); err != nil {
		t.Fatalf("nil probe: %v", err)
	}
}

func TestLoaderProbe(t *testing.T) {
	l := resource.NewFSLoader(fstest.MapFS{"resourced.properties": {Data: []byte("x=1")}}, "")
	ctx := context.Background()

	if err := LoaderProbe(l, "/resourced.properties").Check(ctx); err != nil {
		t.Fatalf("present: %v", err)
	}
	if err := LoaderProbe(l, "/missing").Check(ctx); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("missing = %v", err)
	}
	if err := LoaderProbe(nil, "x").Check(ctx); err == nil {
		t.Fatal("nil loader should fail")
	}

	boom := errors.New("io error")
	faulty := resource.LoaderFunc(func(context.Context, string) (io.ReadCloser, error) { return nil, boom })
	if err := LoaderProbe(faulty, "x").Check(ctx); !errors.Is(err, boom) {
		t.Fatalf("fault = %v", err)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	ctx := context.Background()
	p := g.Probe()

	if err := p.Check(ctx); err != nil || g.Draining() {
		t.Fatalf("initial: %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(ctx); err == nil || err.Error() != "shutting down" {
		t.Fatalf("set: %v", err)
	}
	g.Set("")
	if err := p.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("empty reason: %v", err)
	}
	g.Clear()
	if err := p.Check(ctx); err != nil {
		t.Fatalf("cleared: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Set("x")
				g.Clear()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = p.Check(context.Background())
			}
		}()
	}
	wg.Wait()
}
