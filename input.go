package fnpack

import (
	"os"

	"github.com/spf13/pflag"
)

const (
	EnvBase       = "FNPACK_BASE"
	EnvManifest   = "FNPACK_MANIFEST"
	EnvArtifact   = "FNPACK_ARTIFACT"
	EnvEntryPoint = "FNPACK_ENTRYPOINT"
	EnvTaskRoot   = "FNPACK_TASK_ROOT"
	EnvPlatform   = "FNPACK_PLATFORM"
	EnvRecipe     = "FNPACK_RECIPE"

	EnvCacheDir    = "FNPACK_CACHE_DIR"
	EnvCacheBucket = "FNPACK_CACHE_BUCKET"
	EnvCacheRegion = "FNPACK_CACHE_REGION"

	EnvPip           = "FNPACK_PIP"
	EnvPythonVersion = "FNPACK_PYTHON_VERSION"
	EnvLogLevel      = "FNPACK_LOG_LEVEL"
	EnvUseHelpers    = "FNPACK_USE_HELPERS"
)

func InputBase(flags *pflag.FlagSet, image *string) {
	flags.StringVar(image, "base", os.Getenv(EnvBase), "base runtime image")
}

func InputManifest(flags *pflag.FlagSet, path *string) {
	flags.StringVar(path, "manifest", os.Getenv(EnvManifest), "dependency manifest")
}

func InputArtifact(flags *pflag.FlagSet, path *string) {
	flags.StringVar(path, "artifact", os.Getenv(EnvArtifact), "application file or glob matching exactly one file")
}

func InputEntryPoint(flags *pflag.FlagSet, entry *string) {
	flags.StringVar(entry, "entrypoint", os.Getenv(EnvEntryPoint), "handler invoked per event (e.g. app.handler)")
}

func InputTaskRoot(flags *pflag.FlagSet, dir *string) {
	flags.StringVar(dir, "task-root", os.Getenv(EnvTaskRoot), "directory the artifact is placed in")
}

func InputPlatform(flags *pflag.FlagSet, platform *string) {
	flags.StringVar(platform, "platform", os.Getenv(EnvPlatform), "platform of the base image (os/arch)")
}

func InputRecipe(flags *pflag.FlagSet, path *string) {
	flags.StringVar(path, "recipe", os.Getenv(EnvRecipe), "recipe file (default fnpack.yml in the build context)")
}

func InputCacheDir(flags *pflag.FlagSet, dir *string) {
	flags.StringVar(dir, "cache-dir", os.Getenv(EnvCacheDir), "directory for cached dependency layers")
}

func InputCacheBucket(flags *pflag.FlagSet, bucket, region *string) {
	flags.StringVar(bucket, "cache-bucket", os.Getenv(EnvCacheBucket), "S3 bucket for cached dependency layers")
	flags.StringVar(region, "cache-region", os.Getenv(EnvCacheRegion), "region of the cache bucket")
}

func InputPip(flags *pflag.FlagSet, pip *string) {
	flags.StringVar(pip, "pip", envOr(EnvPip, "pip"), "installer binary")
}

func InputPythonVersion(flags *pflag.FlagSet, version *string) {
	flags.StringVar(version, "python-version", os.Getenv(EnvPythonVersion), "python version to select wheels for, such as 3.12")
}

func InputLogLevel(flags *pflag.FlagSet, level *string) {
	flags.StringVar(level, "log-level", envOr(EnvLogLevel, "info"), "log level")
}

func InputUseHelpers(flags *pflag.FlagSet, use *bool) {
	flags.BoolVar(use, "helpers", boolEnv(EnvUseHelpers), "use credential helpers")
}

func boolEnv(k string) bool {
	v := os.Getenv(k)
	return v == "true" || v == "1"
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
