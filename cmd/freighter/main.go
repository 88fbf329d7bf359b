package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set by build)
var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand(newApp()).ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errDispatchFailed) {
		fmt.Fprintf(os.Stderr, "freighter: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	var cErr *configError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &cErr):
		return ExitConfigError
	default:
		return ExitFailure
	}
}
