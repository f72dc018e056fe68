package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/pkg/config"
	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/pagecache"
)

// commonFlags are accepted by every command that opens a snapshot.
type commonFlags struct {
	configPath string
	snapshot   string
	layout     string
	logLevel   string
	namespace  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/cacheinspect/config.yaml)")
	fs.StringVar(&c.snapshot, "snapshot", "", "vmcore path or s3://bucket/key (overrides snapshot.*)")
	fs.StringVar(&c.layout, "layout", "", "Record layout file (overrides layout.path)")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&c.namespace, "n", "", "Use the mount namespace of this pid or hex task address")
}

// newFlagSet creates a FlagSet whose usage line shows synopsis.
func newFlagSet(name, synopsis string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "Usage: cacheinspect %s %s\n\nOptions:\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args, splitting clustered boolean flags such as -adU first.
func parse(fs *flag.FlagSet, args []string) error {
	// The FlagSet has already printed the error and usage
	if err := fs.Parse(expandShortFlags(fs, args)); err != nil {
		return errUsage
	}
	return nil
}

type boolFlag interface {
	IsBoolFlag() bool
}

// expandShortFlags rewrites "-adU" as "-a -d -U" when every letter names a
// boolean flag. Arguments after the first non-flag are left alone.
func expandShortFlags(fs *flag.FlagSet, args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" || !strings.HasPrefix(arg, "-") || arg == "-" {
			return append(out, args[i:]...)
		}
		name := strings.TrimPrefix(arg, "-")
		if len(name) < 2 || strings.ContainsAny(name, "=-") || fs.Lookup(name) != nil {
			out = append(out, arg)
			continue
		}
		split := true
		for _, r := range name {
			f := fs.Lookup(string(r))
			if f == nil {
				split = false
				break
			}
			if bf, ok := f.Value.(boolFlag); !ok || !bf.IsBoolFlag() {
				split = false
				break
			}
		}
		if !split {
			out = append(out, arg)
			continue
		}
		for _, r := range name {
			out = append(out, "-"+string(r))
		}
	}
	return out
}

// app is everything a command needs once the snapshot is open.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	metrics *config.MetricsResult
	reader  *kernel.Reader
	session *dcache.Session

	closers []func() error
}

// setup loads the configuration, opens the snapshot and creates the
// session for the selected mount namespace.
func setup(ctx context.Context, flags *commonFlags, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, flags)

	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return nil, err
	}

	a := &app{stdout: stdout, stderr: stderr, cfg: cfg}
	a.metrics = config.InitializeMetrics(cfg)
	a.closers = append(a.closers, a.metrics.Flush)

	l, err := config.LoadLayout(&cfg.Layout)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	snap, err := config.OpenSnapshot(ctx, &cfg.Snapshot, l.PageOffset, a.metrics)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, snap.Close)

	a.reader = kernel.NewReader(snap.Accessor, l, cfg.Inspect.Limits())

	ns, err := a.reader.ResolveNamespace(cfg.Inspect.Namespace)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Debug("Using mount namespace %s of pid %d (task %s)", ns.Addr, ns.Task.Pid, ns.Task.Addr)

	a.session = dcache.NewSession(a.reader, ns.Addr, dcache.Options{
		MaxDepth: cfg.Inspect.MaxDepth,
		Metrics:  a.metrics.Dcache,
	})
	a.closers = append(a.closers, a.session.Close)
	logger.Debug("Session %s opened on %s", a.session.ID(), snap.Name)

	return a, nil
}

// applyOverrides applies command-line flags on top of the loaded config.
func applyOverrides(cfg *config.Config, flags *commonFlags) {
	if flags.snapshot != "" {
		if bucket, key, ok := pagecache.ParseS3URL(flags.snapshot); ok {
			cfg.Snapshot.Type = "s3"
			cfg.Snapshot.S3["bucket"] = bucket
			cfg.Snapshot.S3["key"] = key
		} else {
			cfg.Snapshot.Type = "elf"
			cfg.Snapshot.ELF["path"] = flags.snapshot
		}
	}
	if flags.layout != "" {
		cfg.Layout.Path = flags.layout
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(flags.logLevel)
	}
	if flags.namespace != "" {
		cfg.Inspect.Namespace = flags.namespace
	}
}

// Close releases the session, the snapshot and flushes metrics, in reverse
// order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// pagecacheMetrics returns the reconstruction metrics, nil when disabled.
func (a *app) pagecacheMetrics() pagecache.Metrics {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Pagecache
}

// report prints err as one "<path|addr>: <reason>" line.
func (a *app) report(err error) {
	_, _ = fmt.Fprintln(a.stderr, err)
}

// withApp runs fn on a freshly set up app and closes it afterwards.
func withApp(ctx context.Context, flags *commonFlags, stdout, stderr io.Writer, fn func(*app) error) (err error) {
	a, err := setup(ctx, flags, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
