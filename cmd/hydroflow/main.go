package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hydroflow/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := cli.Run(ctx, os.Args[1:], cli.Env{})
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hydroflow:", err)
	}
	os.Exit(code)
}
