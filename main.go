// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/relayloop/actiongate/cmd"
	"github.com/relayloop/actiongate/internal/observability"
)

func main() {
	// Local development convenience; missing .env is not an error.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer observability.Sync()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
