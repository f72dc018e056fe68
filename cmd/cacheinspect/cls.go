package main

import (
	"context"
	"io"

	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/report"
)

func runCls(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		flags commonFlags
		opts  dcache.ListOptions
	)
	fs := newFlagSet("cls", commands[1].synopsis, stderr)
	flags.register(fs)
	fs.BoolVar(&opts.ShowNegative, "a", false, "Also display negative dentries in the subdirs list")
	fs.BoolVar(&opts.DirsOnly, "d", false, "Display the directory itself only, without its contents")
	fs.BoolVar(&opts.Unsorted, "U", false, "Do not sort; list dentries in directory order")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	return withApp(ctx, &flags, stdout, stderr, func(a *app) error {
		return a.cls(ctx, fs.Args(), opts)
	})
}

// cls lists each path; failures are reported and the remaining paths are
// still listed.
func (a *app) cls(ctx context.Context, paths []string, opts dcache.ListOptions) error {
	w := report.New(a.stdout)
	w.Verbose = logger.Enabled(logger.LevelDebug)
	w.PageSize = a.reader.Layout().PageSize

	failed := false
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			w.Blank()
		}

		listing, err := a.session.List(path, opts)
		if err != nil {
			a.report(err)
			failed = true
			continue
		}
		w.Listing(listing)
		if listing.Err != nil {
			a.report(listing.Err)
			failed = true
		}
	}

	if err := w.Err(); err != nil {
		return err
	}
	if failed {
		return errReported
	}
	return nil
}
