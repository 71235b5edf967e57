package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkgsentry/pkgsentry/cmd"
)

func main() {
	// A SIGINT or SIGTERM cancels the run context; the pipeline driver
	// returns partial results at the next stage boundary.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
