package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/buildpack/fnpack/img"
	"github.com/buildpack/fnpack/sys"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Print the build metadata recorded on a function image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runInspect(ctx context.Context, stdout io.Writer, ref string) error {
	store, err := img.ParseStore(ref, nil)
	if err != nil {
		return exit(sys.CodeInvalidArgs, err, "parse reference")
	}
	image, err := store.Image(ctx)
	if err != nil {
		return exit(sys.CodeNotFound, err, "locate image")
	}
	md, err := img.Metadata(image)
	if err != nil {
		return exit(sys.CodeFailedInspect, err, "read build metadata")
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(md)
}
