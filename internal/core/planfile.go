package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/bldx/internal/cache"
	"github.com/3cpo-dev/bldx/internal/coordinator"
	"github.com/3cpo-dev/bldx/internal/task"
	"github.com/3cpo-dev/bldx/pkg/api"
)

// LoadPlanFile reads a YAML (or JSON) plan file.
func LoadPlanFile(path string) (api.PlanSpec, error) {
	var spec api.PlanSpec
	content, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read plan: %w", err)
	}
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return spec, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(spec.Subtasks) == 0 {
		return spec, fmt.Errorf("plan %s declares no subtasks", path)
	}
	return spec, nil
}

// BuildRequestFor turns a plan file into a build request. Relative work
// dirs and the project root are resolved against baseDir; subtasks without
// an executable use the configured worker.
func BuildRequestFor(spec api.PlanSpec, cfg Config, baseDir string) (BuildRequest, error) {
	req := BuildRequest{
		Input:   spec.Input,
		Mode:    cache.Mode(spec.Mode),
		TTL:     time.Duration(spec.TTLSeconds) * time.Second,
		NoCache: spec.NoCache,
	}
	if req.Input == "" {
		req.Input = spec.Name
	}
	if spec.Project != "" {
		req.Project = resolve(baseDir, spec.Project)
	}

	for _, st := range spec.Subtasks {
		cmd := task.CommandSpec{
			Executable:   st.Executable,
			Args:         st.Args,
			WorkDir:      resolve(baseDir, st.WorkDir),
			Env:          st.Env,
			Instructions: st.Instructions,
		}
		if cmd.Executable == "" {
			if cfg.Worker.Executable == "" {
				return req, fmt.Errorf("subtask %q: no executable and worker.executable is not configured", st.ID)
			}
			cmd.Executable = cfg.Worker.Executable
			if len(cmd.Args) == 0 {
				cmd.Args = cfg.Worker.Args
			}
		}
		req.Subtasks = append(req.Subtasks, coordinator.Subtask{
			ID:         st.ID,
			DependsOn:  st.DependsOn,
			OwnedPaths: st.Owns,
			Command:    cmd,
			Timeout:    time.Duration(st.TimeoutSeconds) * time.Second,
		})
	}
	return req, nil
}

func resolve(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
