package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-resources/internal/bundled"
	"github.com/keithlinneman/linnemanlabs-resources/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-resources/internal/health"
	"github.com/keithlinneman/linnemanlabs-resources/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-resources/internal/loaders"
	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
	"github.com/keithlinneman/linnemanlabs-resources/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-resources/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-resources/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-resources/internal/prof"
	"github.com/keithlinneman/linnemanlabs-resources/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-resources/internal/resourcehttp"
	v "github.com/keithlinneman/linnemanlabs-resources/internal/version"
)

const (
	envPrefix  = "RESOURCED_"
	component  = "server"
	drainDelay = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "version", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Component:       component,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"search_path", conf.SearchPath,
		"ambient_dir", conf.AmbientDir,
		"explicit_loaders", conf.LoaderNames(),
		"s3_bucket", conf.S3Bucket,
		"s3_prefix", conf.S3Prefix,
		"s3_release_param", conf.S3ReleaseParam,
		"s3_release_poll", conf.S3ReleasePoll.String(),
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
		Logger:    L,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	set, err := loaders.Build(ctx, conf, loaders.Options{
		Logger:      L,
		OnLoader:    m.SetLoader,
		OnS3Release: m.SetS3Release,
		Metrics:     m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to configure resource loaders")
		os.Exit(1)
	}
	resolver := set.Resolver(L, m)
	if set.Watcher != nil {
		go func() { _ = set.Watcher.Run(ctx) }()
	}

	contentTypes := loadContentTypes(ctx, L)

	api, err := resourcehttp.New(resourcehttp.Options{
		Resolver:     resolver,
		Explicit:     set.Explicit,
		Ambient:      set.Ambient,
		ContentTypes: contentTypes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create resource api")
		os.Exit(1)
	}

	var gate health.ShutdownGate

	// bundled resources must be readable for the resolver to be useful
	readiness := health.All(
		gate.Probe(),
		health.Timeout(health.LoaderProbe(bundled.Loader(), "/resourced.properties"), 2*time.Second),
	)

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimit, conf.RateBurst),
		ratelimit.WithOnDenied(func(string) {
			m.IncRateLimitDenied()
		}),
		// logged once per visitor until it is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	apiStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	// ops listener rejects public peers even if the security group is misconfigured
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd not notified", "error", err)
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so load balancers stop sending new requests
	gate.Set("draining")
	L.Info(bg, "draining", "delay", drainDelay.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDelay):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := apiStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// loadContentTypes reads the bundled extension table. The server still runs
// on the platform table if it is missing or malformed.
func loadContentTypes(ctx context.Context, L log.Logger) map[string]string {
	rc, err := bundled.Loader().Open(ctx, "mime.properties")
	if err != nil {
		L.Warn(ctx, "bundled content types unavailable", "error", err)
		return nil
	}
	defer rc.Close()
	types, err := resourcehttp.ParseContentTypes(rc)
	if err != nil {
		L.Error(ctx, err, "invalid bundled content types")
		return nil
	}
	return types
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify: close: %w", err)
	}
	return nil
}
