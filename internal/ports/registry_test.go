package ports_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/release-orchestrator/internal/ports"
)

const registryYAML = `
projects:
  ayna-web: {start: 8100, end: 8109}
  ledger: {start: 8130, end: 8139}
  atlas: {start: 8110, end: 8119}
`

func TestParseBuildsDisjointRanges(t *testing.T) {
	reg, err := ports.Parse([]byte(registryYAML))
	require.NoError(t, err)

	got := reg.Assignments()
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, ports.RangeWidth-1, got[i].End-got[i].Start)
		for j := i + 1; j < len(got); j++ {
			assert.False(t, got[i].Overlaps(got[j]), "%s overlaps %s", got[i], got[j])
		}
	}
	assert.Equal(t, "ayna-web", got[0].Project)
	assert.Equal(t, "ledger", got[2].Project)
}

func TestNewRejectsOverlapAndWidth(t *testing.T) {
	_, err := ports.New([]models.PortAssignment{
		{Project: "a", Start: 8100, End: 8109},
		{Project: "b", Start: 8105, End: 8114},
	})
	assert.ErrorContains(t, err, "overlaps")

	_, err = ports.New([]models.PortAssignment{{Project: "a", Start: 8100, End: 8120}})
	assert.ErrorContains(t, err, "must reserve 10 ports")

	_, err = ports.New([]models.PortAssignment{
		{Project: "a", Start: 8100, End: 8109},
		{Project: "a", Start: 8200, End: 8209},
	})
	assert.ErrorContains(t, err, "duplicate")
}

func TestOwnerAndContains(t *testing.T) {
	reg, err := ports.Parse([]byte(registryYAML))
	require.NoError(t, err)

	owner, ok := reg.Owner(8134)
	assert.True(t, ok)
	assert.Equal(t, "ledger", owner)

	_, ok = reg.Owner(9000)
	assert.False(t, ok)

	assert.True(t, reg.Contains("ledger", 8139))
	assert.False(t, reg.Contains("ledger", 8140))
	assert.False(t, reg.Contains("unknown", 8100))
}

func TestCheckReportsOutOfRangeAndCollision(t *testing.T) {
	reg, err := ports.Parse([]byte(registryYAML))
	require.NoError(t, err)

	violations, err := reg.Check("ledger", map[string]int{
		"web":  8130,
		"api":  9000,
		"docs": 8101,
	})
	require.NoError(t, err)
	require.Len(t, violations, 2)

	assert.Equal(t, "api", violations[0].Name)
	assert.Contains(t, violations[0].Message, "outside assigned range 8130-8139")
	assert.Equal(t, "docs", violations[1].Name)
	assert.Equal(t, "ayna-web", violations[1].Owner)

	_, err = reg.Check("ghost", map[string]int{"web": 1})
	assert.ErrorIs(t, err, ports.ErrUnknownProject)
}
