// Package main implements mqfabric, a command line participant for the
// message fabric. It can call plugins, read and write state, watch topics
// and run the websocket gateway.
//
// The exit status is 3 when the broker could not be reached or a call timed
// out, so a retry may succeed, and 4 for configuration errors.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/c360/mqfabric/errors"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mqfabric"
)

// Exit codes
const (
	exitFailure   = 1
	exitPanic     = 2
	exitTransient = 3
	exitFatal     = 4
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.IsFatal(err):
		return exitFatal
	case errors.IsTransient(err):
		return exitTransient
	default:
		return exitFailure
	}
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitPanic)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
