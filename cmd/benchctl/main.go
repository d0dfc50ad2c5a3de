package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"benchboard/internal/cli/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.BuildCLI().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
