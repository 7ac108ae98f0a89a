package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ReleaseStatus string

const (
	ReleaseStatusPending  ReleaseStatus = "pending"
	ReleaseStatusActive   ReleaseStatus = "active"
	ReleaseStatusInactive ReleaseStatus = "inactive"
	ReleaseStatusFailed   ReleaseStatus = "failed"
)

// Release is one immutable, materialized version of the project. Only Status
// changes after creation.
type Release struct {
	ID        int64         `json:"id"`
	Version   string        `json:"version"`
	Path      string        `json:"path"`
	Source    string        `json:"source,omitempty"`
	Checksum  string        `json:"checksum,omitempty"`
	Status    ReleaseStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Name is the directory name of the release under releases/.
func (r Release) Name() string {
	return ReleaseName(r.ID)
}

func ReleaseName(id int64) string {
	return fmt.Sprintf("v%d", id)
}

type AttemptKind string

const (
	AttemptDeploy   AttemptKind = "deploy"
	AttemptRollback AttemptKind = "rollback"
	AttemptMigrate  AttemptKind = "migrate"
)

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeAborted    Outcome = "aborted"
)

const SeverityFatal = "fatal"

// DeploymentAttempt is the record of one Deploy or Rollback invocation.
type DeploymentAttempt struct {
	ID              uuid.UUID   `json:"id"`
	Project         string      `json:"project"`
	Kind            AttemptKind `json:"kind"`
	Version         string      `json:"version,omitempty"`
	Environment     string      `json:"environment,omitempty"`
	TargetRelease   *int64      `json:"targetRelease,omitempty"`
	PreviousRelease *int64      `json:"previousRelease,omitempty"`
	Outcome         Outcome     `json:"outcome"`
	Reason          string      `json:"reason,omitempty"`
	Severity        string      `json:"severity,omitempty"`
	Steps           []string    `json:"steps,omitempty"`
	StartedAt       time.Time   `json:"startedAt"`
	FinishedAt      time.Time   `json:"finishedAt"`
}

func (a DeploymentAttempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
	ServiceUnknown ServiceState = "unknown"
)

// PortAssignment reserves [Start, End] for one project.
type PortAssignment struct {
	Project string `json:"project" yaml:"project"`
	Start   int    `json:"start" yaml:"start"`
	End     int    `json:"end" yaml:"end"`
}

func (p PortAssignment) Contains(port int) bool {
	return port >= p.Start && port <= p.End
}

func (p PortAssignment) Overlaps(o PortAssignment) bool {
	return p.Start <= o.End && o.Start <= p.End
}

func (p PortAssignment) String() string {
	return fmt.Sprintf("%s %d-%d", p.Project, p.Start, p.End)
}

func Int64Ptr(v int64) *int64 {
	return &v
}
