package resource

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
	"github.com/keithlinneman/linnemanlabs-resources/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/linnemanlabs-resources/internal/resource"

// Strategy names the loader that produced a stream.
type Strategy string

const (
	StrategyNone     Strategy = "none"
	StrategyExplicit Strategy = "explicit"
	StrategyAmbient  Strategy = "ambient"
	StrategyModule   Strategy = "module"
	StrategySystem   Strategy = "system"
)

// Result is the outcome of a resolution. The caller owns Stream and must
// close it when Found reports true.
type Result struct {
	// Key is the normalized key
	Key      string
	Stream   io.ReadCloser
	Strategy Strategy
}

// Found reports whether a loader produced a stream.
func (r Result) Found() bool { return r.Stream != nil }

// Observer receives one call per resolution. metrics.ResolverMetrics implements it.
type Observer interface {
	ObserveResolve(s Strategy, d time.Duration, err error)
}

// Options configures a Resolver. All fields are optional.
type Options struct {
	// Module is the loader for resources bundled with the program.
	// It is always asked for the absolute form of the key.
	Module Loader

	// System is the process-wide fallback, usually a SearchPath.
	System Loader

	// Ambient obtains the ambient loader; defaults to ContextAmbient.
	Ambient AmbientProvider

	Logger   log.Logger
	Observer Observer
}

// Resolver holds no per-call state and is safe for concurrent use.
type Resolver struct {
	module   Loader
	system   Loader
	ambient  AmbientProvider
	logger   log.Logger
	observer Observer
	tracer   trace.Tracer
}

// New returns a Resolver; a nil Ambient defaults to ContextAmbient.
func New(opts Options) *Resolver {
	if opts.Ambient == nil {
		opts.Ambient = ContextAmbient
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Resolver{
		module:   opts.Module,
		system:   opts.System,
		ambient:  opts.Ambient,
		logger:   opts.Logger,
		observer: opts.Observer,
		tracer:   otel.Tracer(tracerName),
	}
}

// Resolve locates key, asking explicit first when it is non-nil.
//
// A missing resource yields a Result with Found() == false and a nil error.
// Errors other than not-found from the explicit, module or system loader are
// returned wrapped. The ambient step never fails: a fault while obtaining the
// ambient loader or opening from it is logged and the next loader is tried.
func (r *Resolver) Resolve(ctx context.Context, key string, explicit Loader) (res Result, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "resource.resolve",
		trace.WithAttributes(attribute.String("resource.key", key)),
	)
	defer func() {
		span.SetAttributes(attribute.String("resource.strategy", string(res.Strategy)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if r.observer != nil {
			r.observer.ObserveResolve(res.Strategy, time.Since(start), err)
		}
	}()

	name := Normalize(key)
	res = Result{Key: name, Strategy: StrategyNone}

	if explicit != nil {
		rc, err := open(ctx, explicit, name)
		if err != nil {
			return res, xerrors.Wrapf(err, "explicit loader: %s", name)
		}
		if rc != nil {
			res.Stream, res.Strategy = rc, StrategyExplicit
			return res, nil
		}
	}

	if rc := r.openAmbient(ctx, name); rc != nil {
		res.Stream, res.Strategy = rc, StrategyAmbient
	}

	if res.Stream == nil && r.module != nil {
		abs := Absolute(key)
		rc, err := open(ctx, r.module, abs)
		if err != nil {
			return res, xerrors.Wrapf(err, "module loader: %s", abs)
		}
		if rc != nil {
			res.Stream, res.Strategy = rc, StrategyModule
		}
	}

	if res.Stream == nil && r.system != nil {
		rc, err := open(ctx, r.system, name)
		if err != nil {
			return res, xerrors.Wrapf(err, "system loader: %s", name)
		}
		if rc != nil {
			res.Stream, res.Strategy = rc, StrategySystem
		}
	}

	r.logger.Debug(ctx, "resource resolved",
		"key", name,
		"strategy", string(res.Strategy),
		"found", res.Found(),
	)
	return res, nil
}

// openAmbient returns nil when there is no ambient loader or when obtaining
// it or opening from it fails or panics.
func (r *Resolver) openAmbient(ctx context.Context, name string) (rc io.ReadCloser) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug(ctx, "ambient loader failed", "key", name, "panic", fmt.Sprint(rec))
			rc = nil
		}
	}()
	l, err := r.ambient(ctx)
	if err != nil {
		r.logger.Debug(ctx, "ambient loader unavailable", "error", err)
		return nil
	}
	if l == nil {
		return nil
	}
	rc, err = open(ctx, l, name)
	if err != nil {
		r.logger.Debug(ctx, "ambient loader failed", "key", name, "error", err)
		return nil
	}
	return rc
}
