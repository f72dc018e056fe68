// Command cacheinspect reads the dentry cache and page cache out of a kernel
// memory snapshot.
//
// Usage:
//
//	cacheinspect ccat  [-S] [-T] [-n pid|task] inode|abspath [outfile]
//	cacheinspect cls   [-adU] [-n pid|task] abspath...
//	cacheinspect cfind [-ac] [-n pid|task] abspath
//	cacheinspect mounts [-n pid|task]
//	cacheinspect init  [-force] [-path file]
//
// Every command except init also accepts -config, -snapshot, -layout and
// -log-level.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/cacheinspect/internal/logger"
)

// errUsage is returned after a usage message was printed.
var errUsage = errors.New("usage error")

// errReported is returned when the failures were already printed.
var errReported = errors.New("one or more paths failed")

type command struct {
	name     string
	synopsis string
	summary  string
	run      func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"ccat", "[-S] [-T] [-n pid|task] inode|abspath [outfile]", "dump the page cache of a file", runCcat},
	{"cls", "[-adU] [-n pid|task] abspath...", "list dentry and inode caches", runCls},
	{"cfind", "[-ac] [-n pid|task] abspath", "search a directory hierarchy across mounts", runCfind},
	{"mounts", "[-n pid|task]", "show the mount table used for path resolution", runMounts},
	{"init", "[-force] [-path file]", "write a default configuration file", runInit},
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: cacheinspect <command> [options] [arguments]")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		_, _ = fmt.Fprintf(w, "  %-7s %s\n", c.name, c.summary)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Run 'cacheinspect <command> -h' for command options.")
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a command and maps its outcome to an exit status.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		if args[0] == "-h" || args[0] == "-help" || args[0] == "help" {
			usage(stdout)
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "cacheinspect: unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	// Ctrl-C aborts walks and reconstructions between directories/pages
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Interrupted, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := cmd.run(ctx, args[1:], stdout, stderr)
	_ = logger.Sync()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	case errors.Is(err, errReported):
		return 1
	default:
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
}
