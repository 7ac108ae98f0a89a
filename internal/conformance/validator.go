// Package conformance checks a project tree against the deployment standard.
// Rules are data: the validator runs the whole table every time and a
// misbehaving rule only fails itself.
package conformance

import (
	"encoding/json"

	"github.com/go-git/go-billy/v5"

	"github.com/ILLUVRSE/release-orchestrator/internal/canonical"
	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/ports"
)

type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

type Result struct {
	RuleID   string   `json:"rule"`
	Severity Severity `json:"severity"`
	Status   Status   `json:"status"`
	Message  string   `json:"message"`
}

// Report lists results in rule evaluation order.
type Report struct {
	Project      string   `json:"project"`
	Standard     string   `json:"standard"`
	Results      []Result `json:"results"`
	ErrorCount   int      `json:"errorCount"`
	WarningCount int      `json:"warningCount"`
}

// Passed reports whether no error-severity rule failed. Warnings never fail a run.
func (r Report) Passed() bool { return r.ErrorCount == 0 }

// Err is nil when the report passed and a VALIDATION_ERROR otherwise.
func (r Report) Err() error {
	if r.Passed() {
		return nil
	}
	return errs.Errorf(errs.KindValidation, "validate "+r.Project,
		"%d error(s), %d warning(s)", r.ErrorCount, r.WarningCount)
}

// Failures returns the failed results of severity sev.
func (r Report) Failures(sev Severity) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == StatusFail && res.Severity == sev {
			out = append(out, res)
		}
	}
	return out
}

// JSON is the canonical encoding; equal reports encode to equal bytes.
func (r Report) JSON() ([]byte, error) {
	return canonical.Marshal(r)
}

func (r Report) Digest() (string, error) {
	return canonical.Digest(r)
}

// Indented is JSON for humans.
func (r Report) Indented() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

type Validator struct {
	Rules []Rule
	Env   Env
}

// New builds a validator with the default rule table.
func New(registry *ports.Registry, standardVersion string) *Validator {
	return &Validator{
		Rules: DefaultRules(),
		Env:   Env{Registry: registry, StandardVersion: standardVersion},
	}
}

// Validate is a pure function of st.
func (v *Validator) Validate(st ProjectState) Report {
	rep := Report{
		Project:  st.Project,
		Standard: v.Env.StandardVersion,
		Results:  make([]Result, 0, len(v.Rules)),
	}
	for _, rule := range v.Rules {
		out := runRule(rule, st, v.Env)
		res := Result{RuleID: rule.ID, Severity: rule.Severity, Status: StatusPass, Message: out.Message}
		if !out.Passed {
			res.Status = StatusFail
			switch rule.Severity {
			case SeverityError:
				rep.ErrorCount++
			case SeverityWarning:
				rep.WarningCount++
			}
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

// ValidateFS snapshots fs and validates it.
func (v *Validator) ValidateFS(fs billy.Filesystem) (Report, error) {
	st, err := Snapshot(fs)
	if err != nil {
		return Report{}, err
	}
	return v.Validate(st), nil
}

func runRule(rule Rule, st ProjectState, env Env) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Fail("rule panicked: %v", r)
		}
	}()
	if rule.Check == nil {
		return Fail("rule has no check")
	}
	return rule.Check(st, env)
}
