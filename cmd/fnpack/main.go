package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildpack/fnpack"
	"github.com/buildpack/fnpack/sys"
)

// exitError pairs a failure with the exit code it should produce.
type exitError struct {
	code   int
	action []string
	err    error
}

func (e *exitError) Error() string {
	return sys.Fail(e.err, e.action...).Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exit(code int, err error, action ...string) error {
	return &exitError{code: code, action: action, err: err}
}

func main() {
	// .env only fills gaps; the real environment wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sys.Fatal(err, sys.CodeInvalidEnv, "load .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		sys.Fatal(ee.err, ee.code, ee.action...)
	}
	sys.Fatal(err, sys.CodeInvalidArgs)
}

func newRootCommand() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:           "fnpack",
		Short:         "Package a single function into a runnable image",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return exit(sys.CodeInvalidArgs, err, "parse log level")
			}
			log.SetLevel(lvl)
			log.SetOutput(os.Stderr)
			log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
			return nil
		},
	}
	fnpack.InputLogLevel(cmd.PersistentFlags(), &level)
	cmd.AddCommand(newBuildCommand(), newInspectCommand(), newInvokeCommand())
	return cmd
}
