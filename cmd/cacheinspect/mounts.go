package main

import (
	"context"
	"io"

	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/pkg/report"
)

func runMounts(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var flags commonFlags
	fs := newFlagSet("mounts", commands[3].synopsis, stderr)
	flags.register(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return errUsage
	}

	return withApp(ctx, &flags, stdout, stderr, func(a *app) error {
		return a.mounts()
	})
}

// mounts prints the mount table in the order resolution scans it.
func (a *app) mounts() error {
	table, err := a.session.Mounts()
	if err != nil {
		return err
	}
	if !a.session.MountTableComplete() {
		logger.Warn("Some mounts could not be read and are missing from the table")
	}

	w := report.New(a.stdout)
	w.Mounts(table)
	return w.Err()
}
