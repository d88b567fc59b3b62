package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/parex/parex/internal/cli/parex"
	"github.com/parex/parex/internal/config"
)

func main() {
	cfg, err := config.LoadFromEnv("parex")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(parex.ExitFatal)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := parex.Run(ctx, os.Args[1:], parex.Options{
		Config: cfg,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
