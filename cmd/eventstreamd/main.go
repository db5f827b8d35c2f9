// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// eventstreamd serves the echo test service over a unix socket, a tcp
// port or a websocket, as configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("eventstreamd")

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the daemon with the given arguments, returning the exit
// code.
func Main(args []string) int {
	d := &daemon{}
	flags := gnuflag.NewFlagSet("eventstreamd", gnuflag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	d.SetFlags(flags)
	if err := flags.Parse(true, args); err != nil {
		return 2
	}
	if err := d.Init(flags.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}
