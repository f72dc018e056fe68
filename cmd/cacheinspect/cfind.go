package main

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/report"
)

type cfindOptions struct {
	negative bool
	count    bool
	path     string
}

func runCfind(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		flags commonFlags
		opts  cfindOptions
	)
	fs := newFlagSet("cfind", commands[2].synopsis, stderr)
	flags.register(fs)
	fs.BoolVar(&opts.negative, "a", false, "Also display negative dentries")
	fs.BoolVar(&opts.count, "c", false, "Count dentries in each directory")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errUsage
	}
	opts.path = fs.Arg(0)

	return withApp(ctx, &flags, stdout, stderr, func(a *app) error {
		return a.cfind(ctx, opts)
	})
}

// cfind walks the subtree at opts.path, printing every entry or, in count
// mode, one tally per directory followed by the TOTAL line.
func (a *app) cfind(ctx context.Context, opts cfindOptions) error {
	w := report.New(a.stdout)
	abandoned := 0

	walkOpts := dcache.WalkOptions{
		ShowNegative: opts.negative,
		OnError: func(path string, err error) {
			abandoned++
			a.report(fmt.Errorf("%s: subtree skipped: %w", path, err))
		},
	}
	if opts.count {
		walkOpts.OnCount = func(c dcache.Count) error {
			w.Count(c)
			return w.Err()
		}
	} else {
		walkOpts.OnRecord = func(r dcache.Record) error {
			w.Record(r)
			return w.Err()
		}
	}

	// Resolve first so a bad path prints no header
	res, err := a.session.Resolve(opts.path)
	if err != nil {
		return err
	}
	if res.Negative() {
		return res.NegativeError()
	}
	if opts.count {
		w.CountHeader()
	}

	total, err := a.session.Walk(ctx, opts.path, walkOpts)
	if err != nil {
		return err
	}
	if opts.count {
		w.Count(total)
	}
	if err := w.Err(); err != nil {
		return err
	}
	if abandoned > 0 {
		return errReported
	}
	return nil
}
