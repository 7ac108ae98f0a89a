package conformance

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"
)

const (
	VersionMarker = ".standard-version"
	ManifestFile  = "deploy.yaml"
)

// ProjectState is a read-only snapshot of everything the rules look at.
// Rules never touch the filesystem themselves.
type ProjectState struct {
	Root  string
	Files map[string]bool
	Dirs  map[string]bool

	HasVersionMarker bool
	StandardVersion  string

	HasManifest bool
	Manifest    map[string]interface{}
	ManifestErr string

	Project      string
	Tasks        []string
	Environments []string
	Ports        map[string]int
	PortErrors   []string
}

// Snapshot reads the top level of a project tree. Nothing is written.
func Snapshot(fs billy.Filesystem) (ProjectState, error) {
	st := ProjectState{
		Root:  fs.Root(),
		Files: map[string]bool{},
		Dirs:  map[string]bool{},
	}
	entries, err := fs.ReadDir("/")
	if err != nil {
		return st, fmt.Errorf("read project root %s: %w", fs.Root(), err)
	}
	for _, e := range entries {
		if e.IsDir() {
			st.Dirs[e.Name()] = true
		} else {
			st.Files[e.Name()] = true
		}
	}

	if st.Files[VersionMarker] {
		st.HasVersionMarker = true
		b, err := util.ReadFile(fs, VersionMarker)
		if err != nil {
			return st, fmt.Errorf("read %s: %w", VersionMarker, err)
		}
		st.StandardVersion = strings.TrimSpace(string(b))
	}

	if st.Files[ManifestFile] {
		st.HasManifest = true
		b, err := util.ReadFile(fs, ManifestFile)
		if err != nil && !os.IsNotExist(err) {
			return st, fmt.Errorf("read %s: %w", ManifestFile, err)
		}
		ParseManifest(&st, b)
	}
	return st, nil
}

// ParseManifest decodes raw manifest bytes into st. Malformed content is
// recorded on st rather than returned, so the manifest rules can report it.
func ParseManifest(st *ProjectState, data []byte) {
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		st.ManifestErr = err.Error()
		return
	}
	if m == nil {
		st.ManifestErr = "manifest is empty"
		return
	}
	st.Manifest = m

	if name, ok := m["project"].(string); ok {
		st.Project = name
	}
	st.Tasks = stringList(m["tasks"])

	switch envs := m["environments"].(type) {
	case map[string]interface{}:
		for name := range envs {
			st.Environments = append(st.Environments, name)
		}
	case []interface{}:
		st.Environments = stringList(envs)
	}
	sort.Strings(st.Environments)

	if raw, ok := m["ports"].(map[string]interface{}); ok {
		st.Ports = map[string]int{}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			port, err := toPort(raw[name])
			if err != nil {
				st.PortErrors = append(st.PortErrors, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			st.Ports[name] = port
		}
	}
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toPort(v interface{}) (int, error) {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case string:
		p, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("not a port number: %q", t)
		}
		n = p
	default:
		return 0, fmt.Errorf("not a port number: %v", v)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}
