package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

const validPolicyYAML = `
autonomyEnabled: true
allowedPathPrefixes:
  - docs/
  - test/fixtures/
maxOpenPRs: 2
maxRunningAttempts: 1
maxAttemptsPerTask: 3
circuitBreakerFailures: 3
attemptTimeoutSeconds: 1800
scheduleIntervalSeconds: 300
`

func TestParsePolicyValid(t *testing.T) {
	pol, err := ParsePolicy([]byte(validPolicyYAML))
	require.NoError(t, err)

	assert.True(t, pol.AutonomyEnabled)
	assert.Equal(t, []string{"docs/", "test/fixtures/"}, pol.AllowedPathPrefixes)
	assert.Equal(t, 2, pol.MaxOpenPRs)
	assert.Equal(t, 3, pol.MaxAttemptsPerTask)
}

func TestParsePolicyFieldDiagnostics(t *testing.T) {
	_, err := ParsePolicy([]byte(`
autonomyEnabled: true
allowedPathPrefixes: []
maxOpenPRs: 0
maxRunningAttempts: 1
maxAttemptsPerTask: 1
circuitBreakerFailures: 1
attemptTimeoutSeconds: 600
scheduleIntervalSeconds: 60
`))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidationFailed, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "allowedPathPrefixes")
	assert.Contains(t, err.Error(), "maxOpenPRs")
}

func TestParsePolicyStrictWithSchemaVersion(t *testing.T) {
	doc := `
schemaVersion: "1"
autonomyEnabled: true
allowedPathPrefixes: [docs/]
maxOpenPRs: 1
maxRunningAttempts: 1
maxAttemptsPerTask: 1
circuitBreakerFailures: 1
attemptTimeoutSeconds: 600
scheduleIntervalSeconds: 60
surpriseField: true
`
	_, err := ParsePolicy([]byte(doc))
	require.Error(t, err, "unknown field must be rejected when schemaVersion is declared")
	assert.Equal(t, errdefs.KindValidationFailed, errdefs.KindOf(err))
}

func TestParsePolicyLenientWithoutSchemaVersion(t *testing.T) {
	doc := validPolicyYAML + "surpriseField: true\n"
	_, err := ParsePolicy([]byte(doc))
	assert.NoError(t, err, "unknown fields tolerated without schemaVersion")
}

func TestParsePolicyRejectsInvalidPrefix(t *testing.T) {
	doc := `
autonomyEnabled: true
allowedPathPrefixes: ["../escape/"]
maxOpenPRs: 1
maxRunningAttempts: 1
maxAttemptsPerTask: 1
circuitBreakerFailures: 1
attemptTimeoutSeconds: 600
scheduleIntervalSeconds: 60
`
	_, err := ParsePolicy([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowedPathPrefixes[0]")
}

type fakeRepo struct {
	files map[string][]byte
}

func (f *fakeRepo) ReadFile(_ context.Context, _ *types.Target, _ string, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no such file %s", path)
	}
	return data, nil
}

func TestReaderLoadPolicy(t *testing.T) {
	r := NewReader(&fakeRepo{files: map[string][]byte{
		PolicyPath: []byte(validPolicyYAML),
	}})

	pol, err := r.LoadPolicy(context.Background(), &types.Target{ID: "demo"}, "main")
	require.NoError(t, err)
	assert.Equal(t, 2, pol.MaxOpenPRs)

	_, err = r.LoadBacklog(context.Background(), &types.Target{ID: "demo"}, "main")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindTransportFailed, errdefs.KindOf(err))
}
