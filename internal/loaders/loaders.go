// Package loaders builds the resolver's loaders from configuration.
package loaders

import (
	"context"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-resources/internal/bundled"
	"github.com/keithlinneman/linnemanlabs-resources/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
	"github.com/keithlinneman/linnemanlabs-resources/internal/s3loader"
	"github.com/keithlinneman/linnemanlabs-resources/internal/xerrors"
)

// Loader kinds reported through Options.OnLoader
const (
	KindEmbed = "embed"
	KindDir   = "dir"
	KindPath  = "searchpath"
	KindS3    = "s3"
)

type Options struct {
	Logger log.Logger

	// OnLoader is called once per configured loader
	OnLoader func(role, name, kind string)
	// OnS3Release is called with the effective bucket and prefix
	OnS3Release func(bucket, prefix string)

	// Metrics observes the release watcher
	Metrics s3loader.WatcherMetrics

	// S3 and SSM override the clients built from the default AWS config
	S3  s3loader.GetObjectAPI
	SSM s3loader.GetParameterAPI
}

// Set is everything needed to build a resolver and its HTTP API
type Set struct {
	Module   resource.Loader
	System   resource.Loader
	Ambient  resource.Loader
	Explicit map[string]resource.Loader

	// Watcher follows the S3 release pointer; nil unless polling is configured
	Watcher *s3loader.Watcher
}

// Names returns the sorted explicit loader names
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.Explicit))
	for n := range s.Explicit {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Set) Resolver(L log.Logger, obs resource.Observer) *resource.Resolver {
	return resource.New(resource.Options{
		Module:   s.Module,
		System:   s.System,
		Logger:   L,
		Observer: obs,
	})
}

// Build validates c and constructs the loaders it names. Configured
// directories must exist; the S3 loader is only built when a bucket is set.
func Build(ctx context.Context, c cfg.App, opts Options) (*Set, error) {
	if err := cfg.ValidateLoaders(c); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	report := func(role, name, kind string) {
		opts.Logger.Info(ctx, "resource loader configured", "role", role, "name", name, "kind", kind)
		if opts.OnLoader != nil {
			opts.OnLoader(role, name, kind)
		}
	}

	set := &Set{
		Module:   bundled.Loader(),
		Explicit: make(map[string]resource.Loader),
	}
	report("module", "bundled", KindEmbed)

	dirs := c.SearchDirs()
	for _, d := range dirs {
		if err := requireDir(d); err != nil {
			return nil, xerrors.Wrap(err, "search path")
		}
	}
	set.System = resource.SearchPath(dirs...)
	for _, d := range dirs {
		report("system", d, KindPath)
	}

	if c.AmbientDir != "" {
		if err := requireDir(c.AmbientDir); err != nil {
			return nil, xerrors.Wrap(err, "ambient dir")
		}
		set.Ambient = resource.NewFSLoader(os.DirFS(c.AmbientDir), "")
		report("ambient", c.AmbientDir, KindDir)
	}

	named, err := c.NamedDirs()
	if err != nil {
		return nil, err
	}
	for name, dir := range named {
		if err := requireDir(dir); err != nil {
			return nil, xerrors.Wrapf(err, "explicit loader %s", name)
		}
		set.Explicit[name] = resource.NewFSLoader(os.DirFS(dir), "")
		report("explicit", name, KindDir)
	}

	if c.S3Bucket != "" {
		l, err := buildS3(ctx, c, &opts)
		if err != nil {
			return nil, err
		}
		set.Explicit[cfg.S3LoaderName] = l
		report("explicit", cfg.S3LoaderName, KindS3)
		if opts.OnS3Release != nil {
			opts.OnS3Release(l.Bucket(), l.Prefix())
		}
		if c.S3ReleasePoll > 0 {
			set.Watcher, err = s3loader.NewWatcher(s3loader.WatcherOptions{
				Logger:       opts.Logger,
				Loader:       l,
				SSM:          opts.SSM,
				Param:        c.S3ReleaseParam,
				Base:         c.S3Prefix,
				PollInterval: c.S3ReleasePoll,
				OnSwap:       opts.OnS3Release,
				Metrics:      opts.Metrics,
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return set, nil
}

func buildS3(ctx context.Context, c cfg.App, opts *Options) (*s3loader.Loader, error) {
	if opts.S3 == nil || (c.S3ReleaseParam != "" && opts.SSM == nil) {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		if opts.S3 == nil {
			opts.S3 = s3.NewFromConfig(awsCfg)
		}
		if opts.SSM == nil {
			opts.SSM = ssm.NewFromConfig(awsCfg)
		}
	}

	prefix, err := s3loader.ResolvePrefix(ctx, opts.SSM, c.S3ReleaseParam, c.S3Prefix)
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve s3 release prefix")
	}
	return s3loader.New(s3loader.Options{
		Logger: opts.Logger,
		Client: opts.S3,
		Bucket: c.S3Bucket,
		Prefix: prefix,
	})
}

func requireDir(d string) error {
	info, err := os.Stat(d)
	if err != nil {
		return xerrors.Wrapf(err, "stat %s", d)
	}
	if !info.IsDir() {
		return xerrors.Newf("%s is not a directory", d)
	}
	return nil
}
