package conformance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ILLUVRSE/release-orchestrator/internal/ports"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Env is the injected context shared by every rule.
type Env struct {
	Registry        *ports.Registry
	StandardVersion string
}

// Outcome is the tagged result of one check.
type Outcome struct {
	Passed  bool
	Message string
}

func Pass(format string, args ...interface{}) Outcome {
	return Outcome{Passed: true, Message: fmt.Sprintf(format, args...)}
}

func Fail(format string, args ...interface{}) Outcome {
	return Outcome{Message: fmt.Sprintf(format, args...)}
}

// Rule is one independent, side-effect-free check.
type Rule struct {
	ID          string
	Severity    Severity
	Description string
	Check       func(ProjectState, Env) Outcome
}

var (
	RequiredManifestKeys = []string{"project", "ports", "environments", "services"}
	RequiredTasks        = []string{"deploy", "rollback", "status", "logs", "migrate"}
	StandardEnvironments = []string{"dev", "staging", "production"}
)

// DefaultRules returns the standard rule table in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "standard.version-marker",
			Severity:    SeverityError,
			Description: VersionMarker + " records the standard revision",
			Check:       checkVersionMarker,
		},
		{
			ID:          "manifest.present",
			Severity:    SeverityError,
			Description: ManifestFile + " exists and parses",
			Check:       checkManifestPresent,
		},
		{
			ID:          "manifest.keys",
			Severity:    SeverityError,
			Description: "manifest declares " + strings.Join(RequiredManifestKeys, ", "),
			Check:       checkManifestKeys,
		},
		requireDir("layout.systemd", "systemd"),
		requireFile("layout.dockerfile", "Dockerfile"),
		requireFile("layout.env-example", ".env.example"),
		requireDir("layout.scripts", "scripts"),
		{
			ID:          "tasks.required",
			Severity:    SeverityError,
			Description: "operator tasks " + strings.Join(RequiredTasks, ", ") + " are declared",
			Check:       checkTasks,
		},
		{
			ID:          "environments.standard",
			Severity:    SeverityWarning,
			Description: "environments " + strings.Join(StandardEnvironments, ", ") + " are declared",
			Check:       checkEnvironments,
		},
		{
			ID:          "ports.registry",
			Severity:    SeverityError,
			Description: "declared ports fall inside the project's registered range",
			Check:       checkPorts,
		},
	}
}

func requireDir(id, name string) Rule {
	return Rule{
		ID:          id,
		Severity:    SeverityWarning,
		Description: name + "/ directory present",
		Check: func(st ProjectState, _ Env) Outcome {
			if st.Dirs[name] {
				return Pass("%s/ present", name)
			}
			return Fail("missing directory %s/", name)
		},
	}
}

func requireFile(id, name string) Rule {
	return Rule{
		ID:          id,
		Severity:    SeverityWarning,
		Description: name + " present",
		Check: func(st ProjectState, _ Env) Outcome {
			if st.Files[name] {
				return Pass("%s present", name)
			}
			return Fail("missing file %s", name)
		},
	}
}

func checkVersionMarker(st ProjectState, env Env) Outcome {
	if !st.HasVersionMarker {
		return Fail("missing %s", VersionMarker)
	}
	if st.StandardVersion != env.StandardVersion {
		return Fail("%s is %q, expected %q", VersionMarker, st.StandardVersion, env.StandardVersion)
	}
	return Pass("standard %s", st.StandardVersion)
}

func checkManifestPresent(st ProjectState, _ Env) Outcome {
	switch {
	case !st.HasManifest:
		return Fail("missing %s", ManifestFile)
	case st.ManifestErr != "":
		return Fail("%s is malformed: %s", ManifestFile, st.ManifestErr)
	}
	return Pass("%s parsed", ManifestFile)
}

func checkManifestKeys(st ProjectState, _ Env) Outcome {
	if st.Manifest == nil {
		return Fail("no parseable manifest")
	}
	var missing []string
	for _, k := range RequiredManifestKeys {
		if _, ok := st.Manifest[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Fail("manifest missing keys: %s", strings.Join(missing, ", "))
	}
	return Pass("all required keys present")
}

func checkTasks(st ProjectState, _ Env) Outcome {
	if missing := missingFrom(RequiredTasks, st.Tasks); len(missing) > 0 {
		return Fail("missing tasks: %s", strings.Join(missing, ", "))
	}
	return Pass("%d tasks declared", len(st.Tasks))
}

func checkEnvironments(st ProjectState, _ Env) Outcome {
	if missing := missingFrom(StandardEnvironments, st.Environments); len(missing) > 0 {
		return Fail("missing environments: %s", strings.Join(missing, ", "))
	}
	return Pass("standard environments declared")
}

func checkPorts(st ProjectState, env Env) Outcome {
	if env.Registry == nil {
		return Fail("no port registry loaded")
	}
	if st.Project == "" {
		return Fail("project name unknown; cannot look up port range")
	}
	if len(st.PortErrors) > 0 {
		return Fail("invalid ports: %s", strings.Join(st.PortErrors, "; "))
	}
	violations, err := env.Registry.Check(st.Project, st.Ports)
	if err != nil {
		return Fail("%v", err)
	}
	if len(violations) > 0 {
		msgs := make([]string, 0, len(violations))
		for _, v := range violations {
			msgs = append(msgs, v.Message)
		}
		return Fail("%s", strings.Join(msgs, "; "))
	}
	own, _ := env.Registry.Lookup(st.Project)
	return Pass("%d port(s) inside %d-%d", len(st.Ports), own.Start, own.End)
}

func missingFrom(required, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	var missing []string
	for _, r := range required {
		if !set[r] {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}
