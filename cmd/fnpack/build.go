package main

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildpack/fnpack"
	"github.com/buildpack/fnpack/build"
	"github.com/buildpack/fnpack/cache"
	"github.com/buildpack/fnpack/img"
	"github.com/buildpack/fnpack/install"
	"github.com/buildpack/fnpack/recipe"
	"github.com/buildpack/fnpack/sys"
)

type buildOptions struct {
	dir        string
	recipePath string
	flags      recipe.Recipe

	cacheDir      string
	cacheBucket   string
	cacheRegion   string
	pip           string
	pipArgs       []string
	pythonVersion string
	useHelpers    bool
}

func newBuildCommand() *cobra.Command {
	var opts buildOptions
	cmd := &cobra.Command{
		Use:   "build [flags] <output>",
		Short: "Build a function image and write it to <output>",
		Long: `Build a function image and write it to <output>.

<output> is a registry reference, or one of
  docker-daemon:<tag>, layout:<dir>[:<tag>], tarball:<file>[:<tag>]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd.OutOrStdout(), opts, args[0])
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.dir, "path", "p", ".", "build context directory")
	fnpack.InputRecipe(flags, &opts.recipePath)
	fnpack.InputBase(flags, &opts.flags.Base)
	fnpack.InputManifest(flags, &opts.flags.Manifest)
	fnpack.InputArtifact(flags, &opts.flags.Artifact)
	fnpack.InputEntryPoint(flags, &opts.flags.EntryPoint)
	fnpack.InputTaskRoot(flags, &opts.flags.TaskRoot)
	fnpack.InputPlatform(flags, &opts.flags.Platform)
	flags.StringToStringVarP(&opts.flags.Env, "env", "e", nil, "environment set in the image")
	flags.StringToStringVarP(&opts.flags.Labels, "label", "l", nil, "labels set on the image")
	fnpack.InputCacheDir(flags, &opts.cacheDir)
	fnpack.InputCacheBucket(flags, &opts.cacheBucket, &opts.cacheRegion)
	fnpack.InputPip(flags, &opts.pip)
	flags.StringSliceVar(&opts.pipArgs, "pip-arg", nil, "extra installer arguments")
	fnpack.InputPythonVersion(flags, &opts.pythonVersion)
	fnpack.InputUseHelpers(flags, &opts.useHelpers)
	return cmd
}

func runBuild(ctx context.Context, stdout io.Writer, opts buildOptions, output string) error {
	r, err := recipe.Load(opts.dir, opts.recipePath)
	if err != nil {
		return exit(sys.CodeInvalidArgs, err, "load recipe")
	}
	r.Override(opts.flags)

	if opts.useHelpers {
		if err := img.SetupCredHelpers(r.Base, output); err != nil {
			return exit(sys.CodeInvalidEnv, err, "setup credential helpers")
		}
	}

	out, err := img.ParseStore(output, nil)
	if err != nil {
		return exit(sys.CodeInvalidArgs, err, "parse output reference:", output)
	}

	c, err := openCache(ctx, opts)
	if err != nil {
		return exit(sys.CodeInvalidEnv, err, "open dependency cache")
	}
	builder := &build.Builder{
		Installer: install.Pip{Binary: opts.pip, Args: opts.pipArgs, PythonVersion: opts.pythonVersion},
		Cache:     c,
	}
	result, err := builder.Build(ctx, r)
	if err != nil {
		kind, _ := build.KindOf(err)
		return exit(kind.Code(), err, "build", output)
	}

	if err := out.Write(ctx, result.Image); err != nil {
		return exit(sys.CodeFailedExport, err, "write", output)
	}
	digest, err := out.Digest(ctx)
	if err != nil {
		return exit(sys.CodeFailedExport, err, "determine digest")
	}
	log.WithField("cached", result.CacheHit).Infof("Wrote %s", out.Ref())
	fmt.Fprintln(stdout, out.Location()+"@"+digest.String())
	return nil
}

func openCache(ctx context.Context, opts buildOptions) (cache.Cache, error) {
	switch {
	case opts.cacheBucket != "":
		return cache.NewS3(ctx, opts.cacheBucket, opts.cacheRegion, "")
	case opts.cacheDir != "":
		return cache.NewDir(opts.cacheDir)
	}
	return cache.None, nil
}
