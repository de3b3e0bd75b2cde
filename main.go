// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fftserver/cmd"
	"fftserver/internal/log"
	"fftserver/pkg/build"
)

// main wires build information and signal handling around the command
// line. A first SIGINT or SIGTERM cancels the command's context so
// servers, followers and captures shut down in order; a second one kills
// the process.
func main() {
	if missing := build.Initialize(); len(missing) > 0 {
		log.Debugf("Build: development build, unset flags: %s", strings.Join(missing, ", "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := cmd.Execute(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%v", err)
	}
}
