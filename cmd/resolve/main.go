// Command resolve resolves one resource key with the same loaders the
// server uses and copies it to stdout.
//
// Exit status: 0 found, 1 absent, 2 usage or config error, 3 loader fault.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/linnemanlabs-resources/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-resources/internal/loaders"
	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
	"github.com/keithlinneman/linnemanlabs-resources/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
	v "github.com/keithlinneman/linnemanlabs-resources/internal/version"
)

const (
	exitFound = iota
	exitAbsent
	exitUsage
	exitFault
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: resolve [flags] <key>")
		fs.PrintDefaults()
	}

	var conf cfg.App
	var loaderName, ambient string
	var showVersion, quiet bool
	cfg.Register(fs, &conf)
	fs.StringVar(&loaderName, "loader", "", "explicit loader to try first (a name from -explicit-dirs, or s3)")
	fs.StringVar(&ambient, "ambient", "", "ambient loader directory for this lookup, overrides -ambient-dir")
	fs.BoolVar(&quiet, "q", false, "only report the outcome through the exit status")
	fs.BoolVar(&showVersion, "version", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if showVersion {
		fmt.Fprintln(stdout, v.Get().String())
		return exitFound
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	key := fs.Arg(0)

	cfg.FillFromEnv(fs, "RESOURCED_", nil)
	if ambient != "" {
		conf.AmbientDir = ambient
	}
	if err := pathutil.CheckKey(key); err != nil {
		fmt.Fprintf(stderr, "invalid key %q: %v\n", key, err)
		return exitUsage
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return exitUsage
	}
	// diagnostics only; the resource itself goes to stdout
	L, err := log.New(log.Options{
		App:        v.AppName,
		Component:  "cli",
		Level:      lvl,
		JsonFormat: conf.LogJSON,
		Writer:     stderr,
	})
	if err != nil {
		fmt.Fprintln(stderr, "logger init error:", err)
		return exitUsage
	}
	ctx = log.WithContext(ctx, L)

	set, err := loaders.Build(ctx, conf, loaders.Options{Logger: L})
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return exitUsage
	}

	var explicit resource.Loader
	if loaderName != "" {
		l, ok := set.Explicit[loaderName]
		if !ok {
			fmt.Fprintf(stderr, "unknown loader %q (configured: %v)\n", loaderName, set.Names())
			return exitUsage
		}
		explicit = l
	}
	if set.Ambient != nil {
		ctx = resource.WithAmbient(ctx, set.Ambient)
	}

	res, err := set.Resolver(L, nil).Resolve(ctx, key, explicit)
	if err != nil {
		L.Error(ctx, err, "resolve failed", "resource.key", key)
		return exitFault
	}
	if !res.Found() {
		if !quiet {
			fmt.Fprintf(stderr, "%s: not found\n", res.Key)
		}
		return exitAbsent
	}
	defer res.Stream.Close()

	L.Debug(ctx, "resource found", "resource.key", res.Key, "resource.strategy", string(res.Strategy))
	if quiet {
		return exitFound
	}
	if _, err := io.Copy(stdout, res.Stream); err != nil {
		L.Error(ctx, err, "copy failed", "resource.key", res.Key)
		return exitFault
	}
	return exitFound
}
