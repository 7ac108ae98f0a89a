package audit

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

// Fanout writes to Primary, whose error is returned, then to every sink on a
// best-effort basis.
type Fanout struct {
	Primary Recorder
	Sinks   []Recorder
	Logger  logrus.FieldLogger
}

func (f *Fanout) Record(ctx context.Context, a *models.DeploymentAttempt) error {
	if f.Primary != nil {
		if err := f.Primary.Record(ctx, a); err != nil {
			return fmt.Errorf("journal attempt %s: %w", a.ID, err)
		}
	}
	for _, s := range f.Sinks {
		if err := s.Record(ctx, a); err != nil {
			f.logger().WithError(err).WithFields(logrus.Fields{
				"attempt": a.ID,
				"sink":    fmt.Sprintf("%T", s),
			}).Warn("attempt sink failed")
		}
	}
	return nil
}

// List delegates to the primary when it can list.
func (f *Fanout) List(ctx context.Context, project string, limit int) ([]models.DeploymentAttempt, error) {
	if l, ok := f.Primary.(Lister); ok {
		return l.List(ctx, project, limit)
	}
	return nil, fmt.Errorf("attempt history not available from %T", f.Primary)
}

func (f *Fanout) logger() logrus.FieldLogger {
	if f.Logger != nil {
		return f.Logger
	}
	return logrus.StandardLogger()
}
