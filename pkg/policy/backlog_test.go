package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

const validBacklogYAML = `
tasks:
  - id: fix-readme
    title: Fix typos in the readme
    scope: docs
    ready: true
    priority: high
    allowedPaths:
      - README.md
      - docs/
  - id: add-fixtures
    title: Add parser fixtures
    ready: false
    allowedPaths:
      - test/fixtures/
    dependencies:
      - fix-readme
`

func TestParseBacklogValid(t *testing.T) {
	tasks, err := ParseBacklog([]byte(validBacklogYAML))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "fix-readme", tasks[0].ID)
	assert.Equal(t, types.PriorityHigh, tasks[0].Priority)
	assert.True(t, tasks[0].Ready)

	// Defaults applied where the file is silent.
	assert.Equal(t, types.TaskStatusPending, tasks[1].Status)
	assert.Equal(t, types.PriorityNormal, tasks[1].Priority)
}

func TestParseBacklogDuplicateID(t *testing.T) {
	doc := `
tasks:
  - id: same
    title: First
    ready: true
    allowedPaths: [docs/]
  - id: same
    title: Second
    ready: true
    allowedPaths: [docs/]
`
	_, err := ParseBacklog([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidationFailed, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "duplicate id")
}

func TestParseBacklogMissingFields(t *testing.T) {
	doc := `
tasks:
  - id: ""
    title: ""
    ready: true
`
	_, err := ParseBacklog([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")
	assert.Contains(t, err.Error(), "title is required")
	assert.Contains(t, err.Error(), "allowedPaths is required")
}

func TestParseBacklogUnknownEnums(t *testing.T) {
	doc := `
tasks:
  - id: t1
    title: T
    ready: true
    status: exploded
    priority: urgent
    allowedPaths: [docs/]
`
	_, err := ParseBacklog([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown status "exploded"`)
	assert.Contains(t, err.Error(), `unknown priority "urgent"`)
}

func TestParseBacklogDanglingDependency(t *testing.T) {
	doc := `
tasks:
  - id: t1
    title: T
    ready: true
    allowedPaths: [docs/]
    dependencies: [ghost]
`
	_, err := ParseBacklog([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `dependency "ghost"`)
}

func TestParseBacklogRejectsTraversalPaths(t *testing.T) {
	doc := `
tasks:
  - id: t1
    title: T
    ready: true
    allowedPaths: ["../outside/"]
`
	_, err := ParseBacklog([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidationFailed, errdefs.KindOf(err))
}

func TestMarkTaskCompleted(t *testing.T) {
	record := &types.AttemptRecord{
		AttemptID:   "att-1",
		Branch:      "agent/fix-readme-att-1",
		CompletedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	out, err := MarkTaskCompleted([]byte(validBacklogYAML), "fix-readme", record)
	require.NoError(t, err)

	tasks, err := ParseBacklog(out)
	require.NoError(t, err)
	require.Len(t, tasks, 2, "other tasks preserved")

	assert.Equal(t, types.TaskStatusCompleted, tasks[0].Status)
	assert.False(t, tasks[0].Ready)
	require.Len(t, tasks[0].Attempts, 1)
	assert.Equal(t, "att-1", tasks[0].Attempts[0].AttemptID)
	assert.Equal(t, "agent/fix-readme-att-1", tasks[0].Attempts[0].Branch)

	// Untouched task keeps its shape.
	assert.Equal(t, "add-fixtures", tasks[1].ID)
	assert.False(t, tasks[1].Ready)
}

func TestMarkTaskCompletedUnknownTask(t *testing.T) {
	_, err := MarkTaskCompleted([]byte(validBacklogYAML), "ghost", &types.AttemptRecord{})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}
