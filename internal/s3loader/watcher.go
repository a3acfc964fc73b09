package s3loader

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
	"github.com/keithlinneman/linnemanlabs-resources/internal/xerrors"
)

const (
	DefaultPollInterval = 30 * time.Second

	// caps exponential backoff on consecutive SSM errors
	maxBackoff = 5 * time.Minute
)

// poll results, also used as metric label values
const (
	PollUnchanged = "unchanged"
	PollSwapped   = "swapped"
	PollError     = "error"
)

// WatcherMetrics is implemented by metrics.ResolverMetrics
type WatcherMetrics interface {
	ObservePoll(result string)
	SetReleaseStale(stale bool)
}

type WatcherOptions struct {
	Logger log.Logger
	Loader *Loader
	SSM    GetParameterAPI

	// Param is the SSM parameter holding the release id, Base the prefix it
	// is appended to
	Param string
	Base  string

	PollInterval time.Duration
	// StaleThreshold is how long polls may fail before the release is
	// reported stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration

	// OnSwap runs on the poll goroutine after the loader switched prefix
	OnSwap  func(bucket, prefix string)
	Metrics WatcherMetrics
}

// Watcher polls the release pointer and switches the loader's prefix when
// it changes.
type Watcher struct {
	loader   *Loader
	ssm      GetParameterAPI
	param    string
	base     string
	logger   log.Logger
	interval time.Duration
	onSwap   func(bucket, prefix string)
	metrics  WatcherMetrics

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	now func() time.Time
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Loader == nil || opts.SSM == nil {
		return nil, xerrors.New("s3loader: watcher needs a Loader and an SSM client")
	}
	if opts.Param == "" {
		return nil, xerrors.New("s3loader: watcher needs a release parameter")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 30 * time.Minute
	}
	return &Watcher{
		loader:         opts.Loader,
		ssm:            opts.SSM,
		param:          opts.Param,
		base:           opts.Base,
		logger:         opts.Logger,
		interval:       opts.PollInterval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		staleThreshold: opts.StaleThreshold,
		lastSuccessAt:  time.Now(),
		now:            time.Now,
	}, nil
}

// Run polls until ctx is cancelled. Launch with go w.Run(ctx).
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "s3 release watcher starting",
		"poll_interval", w.interval.String(),
		"param", w.param,
		"prefix", w.loader.Prefix(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "s3 release watcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if w.checkOnce(ctx) == PollError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "s3 release watcher backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "s3 release watcher recovered",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

// checkOnce runs one poll-compare-swap cycle
func (w *Watcher) checkOnce(ctx context.Context) string {
	result := w.poll(ctx)
	if w.metrics != nil {
		w.metrics.ObservePoll(result)
	}
	w.trackStaleness(ctx, result)
	return result
}

func (w *Watcher) poll(ctx context.Context) string {
	prefix, err := ResolvePrefix(ctx, w.ssm, w.param, w.base)
	if err != nil {
		w.logger.Error(ctx, err, "s3 release poll failed", "param", w.param)
		return PollError
	}
	w.lastSuccessAt = w.now()

	old := w.loader.Prefix()
	if prefix == old {
		return PollUnchanged
	}

	w.loader.SetPrefix(prefix)
	w.logger.Info(ctx, "s3 release switched",
		"bucket", w.loader.Bucket(),
		"old_prefix", old,
		"new_prefix", prefix,
	)
	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, xerrors.Newf("OnSwap panic: %v", r),
						"s3 release watcher: OnSwap callback panicked, continuing")
				}
			}()
			w.onSwap(w.loader.Bucket(), prefix)
		}()
	}
	return PollSwapped
}

// trackStaleness reports once on entering and once on leaving the stale state
func (w *Watcher) trackStaleness(ctx context.Context, result string) {
	if result != PollError {
		if w.staleLogged {
			w.logger.Info(ctx, "s3 release watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetReleaseStale(false)
			}
		}
		return
	}
	since := w.now().Sub(w.lastSuccessAt)
	if since <= w.staleThreshold || w.staleLogged {
		return
	}
	w.logger.Error(ctx, xerrors.Newf("last successful release poll was %s ago", since.Truncate(time.Second)),
		"s3 release watcher: release pointer is stale")
	w.staleLogged = true
	if w.metrics != nil {
		w.metrics.SetReleaseStale(true)
	}
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
