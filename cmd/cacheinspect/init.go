package main

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/cacheinspect/pkg/config"
)

func runInit(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("init", commands[4].synopsis, stderr)
	force := fs.Bool("force", false, "Overwrite an existing configuration file")
	path := fs.String("path", "", "Write the configuration to this file instead of the default location")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return errUsage
	}

	target := *path
	if target == "" {
		p, err := config.InitConfig(*force)
		if err != nil {
			return err
		}
		target = p
	} else if err := config.InitConfigToPath(target, *force); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "Configuration written to %s\n", target)
	return nil
}
