package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitConfig    = 2
	exitCancelled = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code != exitOK && ee.err != nil {
			fmt.Fprintf(stderr, "mineral-classify: %v\n", ee.err)
		}
		return ee.code
	}
	// Anything else is a usage error from argument parsing.
	fmt.Fprintf(stderr, "mineral-classify: %v\n", err)
	return exitConfig
}

// exitFor wraps err with the exit code of its kind.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	code := exitFailed
	switch errs.KindOf(err) {
	case errs.KindCancelled:
		code = exitCancelled
	case errs.KindConfig:
		code = exitConfig
	}
	return &exitError{code: code, err: err}
}
