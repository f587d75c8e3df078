package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gni.dev/dbgapi/dbgapi/internal/commands"
	"gni.dev/dbgapi/internal/logger"
)

const (
	errCommand = 1
	errSetup   = 2
)

func main() {
	log := logger.New("dbgapi")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root, err := commands.NewRootCmd(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errSetup)
	}

	err = root.ExecuteContext(ctx)
	stop()
	log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errCommand)
	}
}
