// Command tunneld runs the reverse-tunneling server: it accepts
// control-channel connections from authenticated clients and exposes
// TCP, UDP, and HTTP traffic on their behalf.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunneld/tunneld/internal/cmd"
	"github.com/tunneld/tunneld/internal/config"
)

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootCmd, err := cmd.NewServerCommand(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize command: %w", err)
	}

	return rootCmd.ExecuteContext(ctx)
}
