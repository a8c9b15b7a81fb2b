// Command statesyncd runs the state sync backend and offers a small client
// for inspecting and changing topics on a running backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "statesyncd:", err)
		stop()
		os.Exit(1)
	}
}
