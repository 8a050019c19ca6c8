// Command consentctl runs the consentry maintenance jobs by hand against
// the configured backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"consentry/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand(config.Load)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
