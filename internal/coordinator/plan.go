package coordinator

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/3cpo-dev/bldx/internal/task"
)

// Subtask is one unit of a batch.
type Subtask struct {
	ID        string
	DependsOn []string
	// OwnedPaths are the files or directories this subtask may write.
	// Relative paths resolve against Command.WorkDir.
	OwnedPaths []string
	Command    task.CommandSpec
	Timeout    time.Duration
}

// Plan is a validated batch split into levels.
type Plan struct {
	subtasks map[string]Subtask
	levels   [][]string
}

// NewPlan validates subtasks and computes their levels. Checks run in a
// fixed order: ids, output ownership, dependency references, cycles.
func NewPlan(subtasks []Subtask) (*Plan, error) {
	byID := make(map[string]Subtask, len(subtasks))
	for _, st := range subtasks {
		if err := validateID(st.ID); err != nil {
			return nil, err
		}
		if _, dup := byID[st.ID]; dup {
			return nil, invalidf(st.ID, "duplicate id")
		}
		byID[st.ID] = st
	}

	if err := checkOwnership(subtasks); err != nil {
		return nil, err
	}

	for _, st := range subtasks {
		for _, dep := range st.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, invalidf(st.ID, "depends on unknown subtask %q", dep)
			}
		}
	}

	levels, err := newGraph(subtasks).levels()
	if err != nil {
		return nil, err
	}
	return &Plan{subtasks: byID, levels: levels}, nil
}

func validateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return invalidf("", "subtask id is empty")
	case id == "." || id == "..", strings.ContainsAny(id, `/\`):
		return invalidf(id, "id must not contain path separators")
	}
	return nil
}

// Levels returns a copy of the execution levels; ids are sorted within each.
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, l := range p.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Subtask returns the declaration for id.
func (p *Plan) Subtask(id string) (Subtask, bool) {
	st, ok := p.subtasks[id]
	return st, ok
}

// Len returns the number of subtasks in the plan.
func (p *Plan) Len() int { return len(p.subtasks) }

type ownedPath struct {
	subtask string
	raw     string
	clean   string
}

// checkOwnership rejects two subtasks owning the same path, or one owning
// an ancestor directory of the other's path.
func checkOwnership(subtasks []Subtask) error {
	var owned []ownedPath
	for _, st := range subtasks {
		for _, p := range st.OwnedPaths {
			if strings.TrimSpace(p) == "" {
				return invalidf(st.ID, "empty owned path")
			}
			owned = append(owned, ownedPath{subtask: st.ID, raw: p, clean: resolveOwned(st.Command.WorkDir, p)})
		}
	}
	sort.SliceStable(owned, func(i, j int) bool {
		if owned[i].subtask != owned[j].subtask {
			return owned[i].subtask < owned[j].subtask
		}
		return owned[i].clean < owned[j].clean
	})

	for i := range owned {
		for j := i + 1; j < len(owned); j++ {
			a, b := owned[i], owned[j]
			if a.subtask == b.subtask {
				continue
			}
			if overlaps(a.clean, b.clean) {
				return &ConflictError{A: a.subtask, B: b.subtask, PathA: a.raw, PathB: b.raw}
			}
		}
	}
	return nil
}

func resolveOwned(workDir, p string) string {
	if !filepath.IsAbs(p) && workDir != "" {
		p = filepath.Join(workDir, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func overlaps(a, b string) bool {
	return a == b || isWithin(a, b) || isWithin(b, a)
}

// isWithin reports whether child lies strictly inside dir.
func isWithin(child, dir string) bool {
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	return strings.HasPrefix(child, dir)
}
