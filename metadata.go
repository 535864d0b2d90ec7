package fnpack

const (
	BuildLabel = "sh.fnpack.build"

	DefaultTaskRoot = "/var/task"
	TaskRootEnv     = "LAMBDA_TASK_ROOT"
)

type BuildMetadata struct {
	Base         BaseMetadata       `json:"base"`
	Dependencies DependencyMetadata `json:"dependencies"`
	App          AppMetadata        `json:"app"`
	EntryPoint   string             `json:"entrypoint"`
	TaskRoot     string             `json:"taskroot"`
}

type BaseMetadata struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

type DependencyMetadata struct {
	SHA      string   `json:"sha,omitempty"`
	Layer    string   `json:"layer,omitempty"`
	Packages []string `json:"packages,omitempty"`
}

type AppMetadata struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}
