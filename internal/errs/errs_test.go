package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
)

func TestSentinelMatching(t *testing.T) {
	err := errs.E(errs.KindHealthCheck, "deploy v3", errors.New("connection refused"))
	wrapped := fmt.Errorf("attempt failed: %w", err)

	assert.ErrorIs(t, wrapped, errs.ErrHealthCheck)
	assert.NotErrorIs(t, wrapped, errs.ErrHook)
	assert.Equal(t, errs.KindHealthCheck, errs.KindOf(wrapped))
	assert.Equal(t, "deploy v3: connection refused", err.Error())
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, errs.ExitOK},
		{errors.New("boom"), errs.ExitFailure},
		{errs.E(errs.KindValidation, "validate", nil), errs.ExitValidation},
		{errs.E(errs.KindArtifact, "create", errors.New("x")), errs.ExitDeployment},
		{errs.E(errs.KindServiceReload, "reload", errors.New("x")), errs.ExitDeployment},
		{errs.E(errs.KindNoRollbackTarget, "rollback", nil), errs.ExitDeployment},
		{errs.E(errs.KindHealthCheck, "probe", nil), errs.ExitHealthCheck},
		{errs.ErrDeploymentInProgress, errs.ExitInProgress},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errs.ExitCode(tc.err), "%v", tc.err)
	}
}

func TestKindMessageWithoutCause(t *testing.T) {
	err := errs.E(errs.KindNoRollbackTarget, "rollback", nil)
	assert.Equal(t, "rollback: no previous release to roll back to", err.Error())
}
