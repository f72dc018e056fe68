package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/pkg/config"
	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/pagecache"
	"github.com/marmos91/cacheinspect/pkg/report"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

type ccatOptions struct {
	// dense writes holes as zeros instead of seeking over them
	dense bool

	// noTruncate leaves the output at the end of the last cached page
	noTruncate bool

	target  string
	outfile string
}

func runCcat(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		flags commonFlags
		opts  ccatOptions
	)
	fs := newFlagSet("ccat", commands[0].synopsis, stderr)
	flags.register(fs)
	fs.BoolVar(&opts.dense, "S", false, "Do not seek over holes; write them as zeros to create a non-sparse file")
	fs.BoolVar(&opts.noTruncate, "T", false, "Do not truncate the output to the file size")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return errUsage
	}
	opts.target = fs.Arg(0)
	opts.outfile = fs.Arg(1)

	// Refuse to overwrite before doing any work
	if opts.outfile != "" {
		if _, _, ok := pagecache.ParseS3URL(opts.outfile); !ok {
			if _, err := os.Lstat(opts.outfile); err == nil {
				return fmt.Errorf("%s: %w", opts.outfile, os.ErrExist)
			}
		}
	}

	return withApp(ctx, &flags, stdout, stderr, func(a *app) error {
		return a.ccat(ctx, opts)
	})
}

// lookupInode resolves a ccat target: an absolute path or a hexadecimal
// inode address.
func (a *app) lookupInode(target string) (kernel.Inode, error) {
	addr, err := a.resolveTarget(target)
	if err != nil {
		return kernel.Inode{}, err
	}
	inode, err := a.reader.Inode(addr)
	if err != nil {
		return kernel.Inode{}, &dcache.Error{Code: dcache.ErrUnreadable, Message: "invalid inode", Path: target, Err: err}
	}
	return inode, nil
}

func (a *app) resolveTarget(target string) (snapshot.Address, error) {
	if !strings.HasPrefix(target, "/") {
		addr, err := snapshot.ParseAddress(target)
		if err != nil || addr.IsNull() {
			return 0, &dcache.Error{Code: dcache.ErrInvalidArgument, Message: "not an inode address or absolute path", Path: target}
		}
		return addr, nil
	}
	res, err := a.session.Resolve(target)
	if err != nil {
		return 0, err
	}
	if res.Negative() {
		return 0, res.NegativeError()
	}
	return res.Inode, nil
}

// ccat reconstructs the target's cached content to stdout or the outfile.
func (a *app) ccat(ctx context.Context, opts ccatOptions) (err error) {
	inode, err := a.lookupInode(opts.target)
	if err != nil {
		return err
	}
	if err := pagecache.Check(inode); err != nil {
		return fmt.Errorf("%s: %w", opts.target, err)
	}

	sink, commit, err := a.openSink(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := commit(err); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rc := pagecache.New(a.reader, a.pagecacheMetrics())
	stats, err := rc.Reconstruct(ctx, inode, sink, pagecache.Options{NoTruncate: opts.noTruncate})
	if err != nil {
		return fmt.Errorf("%s: %w", opts.target, err)
	}

	if msg := report.ExcludedSummary(stats); msg != "" {
		_, _ = fmt.Fprintln(a.stderr, msg)
	}
	logger.Debug("%s: %s", opts.target, report.WrittenSummary(stats))
	if stats.Skipped > 0 || stats.BeyondEOF > 0 {
		logger.Debug("%s: %d non-page entries, %d pages beyond EOF", opts.target, stats.Skipped, stats.BeyondEOF)
	}
	return nil
}

// openSink returns the sink for opts and a function finishing it. The
// finish function receives the reconstruction error so an S3 upload is
// skipped after a failure.
func (a *app) openSink(ctx context.Context, opts ccatOptions) (pagecache.Sink, func(error) error, error) {
	if opts.outfile == "" {
		return pagecache.NewStreamSink(a.stdout), func(error) error { return nil }, nil
	}

	if bucket, key, ok := pagecache.ParseS3URL(opts.outfile); ok {
		client, err := config.CreateS3Client(ctx, a.cfg.Snapshot.S3)
		if err != nil {
			return nil, nil, err
		}
		sink, err := pagecache.NewS3Sink(client, bucket, key)
		if err != nil {
			return nil, nil, err
		}
		return sink, func(rerr error) error {
			if rerr != nil {
				return nil
			}
			if err := sink.Commit(ctx); err != nil {
				return err
			}
			logger.Info("Uploaded %d bytes to %s", len(sink.Bytes()), sink.Name())
			return nil
		}, nil
	}

	fsink, err := pagecache.CreateFile(opts.outfile)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, nil, fmt.Errorf("%s: %w", opts.outfile, os.ErrExist)
		}
		return nil, nil, fmt.Errorf("cannot open %s: %w", opts.outfile, err)
	}
	closeFile := func(error) error { return fsink.Close() }
	if opts.dense {
		return pagecache.NewStreamSink(fsink), closeFile, nil
	}
	return fsink, closeFile, nil
}
