package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildpack/fnpack/invoke"
	"github.com/buildpack/fnpack/sys"
)

type invokeOptions struct {
	event    string
	method   string
	path     string
	headers  map[string]string
	env      map[string]string
	endpoint string
	timeout  time.Duration
}

func newInvokeCommand() *cobra.Command {
	var opts invokeOptions
	cmd := &cobra.Command{
		Use:   "invoke [flags] <image>",
		Short: "Run a function image locally and send it one event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref string
			if len(args) == 1 {
				ref = args[0]
			} else if opts.endpoint == "" {
				return exit(sys.CodeInvalidArgs, fmt.Errorf("need an image or --endpoint"), "parse arguments")
			}
			return runInvoke(cmd.Context(), opts, ref)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.event, "event", "", "file with the event payload (- for stdin)")
	flags.StringVar(&opts.method, "http-method", "", "wrap --event as the body of an HTTP API request with this method")
	flags.StringVar(&opts.path, "http-path", "/", "request path for --http-method")
	flags.StringToStringVar(&opts.headers, "http-header", nil, "request headers for --http-method")
	flags.StringToStringVarP(&opts.env, "env", "e", nil, "environment passed to the container")
	flags.StringVar(&opts.endpoint, "endpoint", "", "invoke an already running emulator instead of starting the image")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "time to wait for the emulator to listen")
	return cmd
}

func runInvoke(ctx context.Context, opts invokeOptions, ref string) error {
	event, err := readEvent(opts.event)
	if err != nil {
		return exit(sys.CodeInvalidArgs, err, "read event")
	}
	if opts.method != "" {
		if event, err = invoke.HTTPEvent(opts.method, opts.path, opts.headers, event); err != nil {
			return exit(sys.CodeInvalidArgs, err, "build HTTP event")
		}
	}

	var payload []byte
	target := ref
	if opts.endpoint != "" {
		target = opts.endpoint
		payload, err = (&invoke.Client{Endpoint: opts.endpoint}).Invoke(ctx, event)
	} else {
		payload, err = (&invoke.Container{Env: opts.env, Timeout: opts.timeout}).Invoke(ctx, ref, event)
	}
	if err != nil {
		return exit(sys.CodeFailedInvoke, err, "invoke", target)
	}

	if opts.method != "" {
		resp, body, err := invoke.HTTPResponse(payload)
		if err != nil {
			return exit(sys.CodeFailedInvoke, err, "decode HTTP response")
		}
		fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
		payload = body
	}
	_, err = os.Stdout.Write(append(payload, '\n'))
	return err
}

func readEvent(path string) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
