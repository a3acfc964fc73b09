package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
)

// S3LoaderName is the explicit loader name used for the S3 bucket
const S3LoaderName = "s3"

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	SearchPath      string
	AmbientDir      string
	ExplicitDirs    string
	S3Bucket        string
	S3Prefix        string
	S3ReleaseParam  string
	S3ReleasePoll   time.Duration
	RateLimit       float64
	RateBurst       int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.SearchPath, "search-path", "", "system resource directories, separated by the OS path list separator")
	fs.StringVar(&c.AmbientDir, "ambient-dir", "", "overlay directory attached to every request as the ambient loader")
	fs.StringVar(&c.ExplicitDirs, "explicit-dirs", "", "named explicit loaders selectable per request (name=dir,name=dir)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "s3 bucket served as the explicit loader named \"s3\"")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "", "s3 key prefix for resources")
	fs.StringVar(&c.S3ReleaseParam, "s3-release-param", "", "ssm parameter holding the release id appended to s3-prefix")
	fs.DurationVar(&c.S3ReleasePoll, "s3-release-poll", 0, "how often to re-read s3-release-param and switch releases (0 disables)")
	fs.Float64Var(&c.RateLimit, "rate-limit", 20, "per-ip requests per second")
	fs.IntVar(&c.RateBurst, "rate-burst", 60, "per-ip burst size")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// SearchDirs splits SearchPath into directories, dropping empty entries
func (c App) SearchDirs() []string {
	var out []string
	for _, d := range filepath.SplitList(c.SearchPath) {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// NamedDirs parses ExplicitDirs ("name=dir,name=dir")
func (c App) NamedDirs() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(c.ExplicitDirs) == "" {
		return out, nil
	}
	for _, part := range strings.Split(c.ExplicitDirs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dir, ok := strings.Cut(part, "=")
		name, dir = strings.TrimSpace(name), strings.TrimSpace(dir)
		if !ok || name == "" || dir == "" {
			return nil, fmt.Errorf("explicit loader %q must be name=dir", part)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("explicit loader %q defined more than once", name)
		}
		out[name] = dir
	}
	return out, nil
}

// LoaderNames returns the sorted names of all explicit loaders
func (c App) LoaderNames() []string {
	dirs, _ := c.NamedDirs()
	names := make([]string, 0, len(dirs)+1)
	for n := range dirs {
		names = append(names, n)
	}
	if c.S3Bucket != "" {
		names = append(names, S3LoaderName)
	}
	sort.Strings(names)
	return names
}

// ValidateLoaders checks the resolver settings shared by the server and the CLI.
func ValidateLoaders(c App) error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	dirs, err := c.NamedDirs()
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid EXPLICIT_DIRS: %w", err))
	}
	if _, taken := dirs[S3LoaderName]; taken && c.S3Bucket != "" {
		errs = append(errs, fmt.Errorf("EXPLICIT_DIRS may not define %q when S3_BUCKET is set", S3LoaderName))
	}
	if c.S3Bucket == "" {
		if c.S3Prefix != "" {
			errs = append(errs, fmt.Errorf("S3_PREFIX requires S3_BUCKET"))
		}
		if c.S3ReleaseParam != "" {
			errs = append(errs, fmt.Errorf("S3_RELEASE_PARAM requires S3_BUCKET"))
		}
	}
	if c.S3ReleasePoll < 0 || (c.S3ReleasePoll > 0 && c.S3ReleasePoll < time.Second) {
		errs = append(errs, fmt.Errorf("invalid S3_RELEASE_POLL %s (must be 0 or >= 1s)", c.S3ReleasePoll))
	}
	if c.S3ReleasePoll > 0 && c.S3ReleaseParam == "" {
		errs = append(errs, fmt.Errorf("S3_RELEASE_POLL requires S3_RELEASE_PARAM"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if err := ValidateLoaders(c); err != nil {
		errs = append(errs, err)
	}

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %.2f (must be > 0)", c.RateLimit))
	}
	if c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_BURST %d (must be >= 1)", c.RateBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
