// Package ports holds the static table of reserved port ranges per project.
// The table is loaded once and passed explicitly to the validator and the
// release manager; it is never mutated after construction.
package ports

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

// RangeWidth is the number of ports reserved per project.
const RangeWidth = 10

var ErrUnknownProject = errors.New("project not registered")

// Registry is the host-wide map of project port ranges.
type Registry struct {
	byProject map[string]models.PortAssignment
	sorted    []models.PortAssignment
}

// New validates the assignments and builds a registry. Ranges must be exactly
// RangeWidth wide and pairwise disjoint.
func New(assignments []models.PortAssignment) (*Registry, error) {
	r := &Registry{byProject: make(map[string]models.PortAssignment, len(assignments))}
	for _, a := range assignments {
		if a.Project == "" {
			return nil, fmt.Errorf("port registry: empty project name")
		}
		if a.End-a.Start != RangeWidth-1 {
			return nil, fmt.Errorf("port registry: %s must reserve %d ports, got %d-%d", a.Project, RangeWidth, a.Start, a.End)
		}
		if a.Start <= 0 || a.End > 65535 {
			return nil, fmt.Errorf("port registry: %s range %d-%d out of bounds", a.Project, a.Start, a.End)
		}
		if _, dup := r.byProject[a.Project]; dup {
			return nil, fmt.Errorf("port registry: duplicate project %s", a.Project)
		}
		r.byProject[a.Project] = a
		r.sorted = append(r.sorted, a)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].Start < r.sorted[j].Start })
	for i := 1; i < len(r.sorted); i++ {
		if r.sorted[i-1].Overlaps(r.sorted[i]) {
			return nil, fmt.Errorf("port registry: %s overlaps %s", r.sorted[i-1], r.sorted[i])
		}
	}
	return r, nil
}

type fileFormat struct {
	Projects map[string]struct {
		Start int `yaml:"start"`
		End   int `yaml:"end"`
	} `yaml:"projects"`
}

// Load reads a YAML registry of the form
//
//	projects:
//	  myproject: {start: 8100, end: 8109}
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read port registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes a registry document and rejects overlapping ranges.
func Parse(data []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse port registry: %w", err)
	}
	assignments := make([]models.PortAssignment, 0, len(f.Projects))
	for name, rng := range f.Projects {
		assignments = append(assignments, models.PortAssignment{Project: name, Start: rng.Start, End: rng.End})
	}
	return New(assignments)
}

func (r *Registry) Lookup(project string) (models.PortAssignment, bool) {
	if r == nil {
		return models.PortAssignment{}, false
	}
	a, ok := r.byProject[project]
	return a, ok
}

// Owner returns the project whose range contains port.
func (r *Registry) Owner(port int) (string, bool) {
	if r == nil {
		return "", false
	}
	i := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i].End >= port })
	if i < len(r.sorted) && r.sorted[i].Contains(port) {
		return r.sorted[i].Project, true
	}
	return "", false
}

func (r *Registry) Contains(project string, port int) bool {
	a, ok := r.Lookup(project)
	return ok && a.Contains(port)
}

// Assignments returns a copy of the table ordered by range start.
func (r *Registry) Assignments() []models.PortAssignment {
	if r == nil {
		return nil
	}
	return append([]models.PortAssignment(nil), r.sorted...)
}

type Violation struct {
	Name    string
	Port    int
	Owner   string
	Message string
}

// Check reports every declared port that falls outside project's own range or
// inside another project's range. Results are ordered by port name.
func (r *Registry) Check(project string, declared map[string]int) ([]Violation, error) {
	own, ok := r.Lookup(project)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Violation
	for _, name := range names {
		port := declared[name]
		if owner, taken := r.Owner(port); taken && owner != project {
			out = append(out, Violation{
				Name:    name,
				Port:    port,
				Owner:   owner,
				Message: fmt.Sprintf("port %s=%d collides with %s (%d-%d)", name, port, owner, r.byProject[owner].Start, r.byProject[owner].End),
			})
			continue
		}
		if !own.Contains(port) {
			out = append(out, Violation{
				Name:    name,
				Port:    port,
				Message: fmt.Sprintf("port %s=%d outside assigned range %d-%d", name, port, own.Start, own.End),
			})
		}
	}
	return out, nil
}
