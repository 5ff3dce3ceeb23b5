package api

// v0 contains the public plan file types read by `bldx plan` and `bldx run`.

// PlanSpec is one build request: the free-text input the cache key is
// derived from plus the subtasks that produce it.
type PlanSpec struct {
	Name  string `json:"name" yaml:"name"`
	Input string `json:"input" yaml:"input"`
	Mode  string `json:"mode" yaml:"mode"`
	// Project, when set, ties the cached result to the file tree under it.
	Project    string        `json:"project" yaml:"project"`
	TTLSeconds int           `json:"ttl_seconds" yaml:"ttl_seconds"`
	NoCache    bool          `json:"no_cache" yaml:"no_cache"`
	Subtasks   []SubtaskSpec `json:"subtasks" yaml:"subtasks"`
}

// SubtaskSpec declares one worker. Executable and Args fall back to the
// configured worker when empty.
type SubtaskSpec struct {
	ID             string            `json:"id" yaml:"id"`
	DependsOn      []string          `json:"depends_on" yaml:"depends_on"`
	Owns           []string          `json:"owns" yaml:"owns"`
	Executable     string            `json:"executable" yaml:"executable"`
	Args           []string          `json:"args" yaml:"args"`
	WorkDir        string            `json:"work_dir" yaml:"work_dir"`
	Env            map[string]string `json:"env" yaml:"env"`
	Instructions   string            `json:"instructions" yaml:"instructions"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type RunStatus string

const (
	RunCached    RunStatus = "cached"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)
