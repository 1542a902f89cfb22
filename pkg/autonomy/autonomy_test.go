package autonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "autonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCheckerReadsFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "autonomyEnabled: false\n")
	c := NewChecker(path)

	snap := c.Read()
	assert.False(t, snap.AutonomyEnabled)
	assert.Equal(t, "file:"+path, snap.Source)
}

func TestCheckerHotRead(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "autonomyEnabled: true\n")
	c := NewChecker(path)

	assert.True(t, c.Read().AutonomyEnabled)

	// The very next read after an operator edit must observe the flip.
	writeConfig(t, dir, "autonomyEnabled: false\n")
	assert.False(t, c.Read().AutonomyEnabled)
}

func TestCheckerDefaultWhenMissing(t *testing.T) {
	c := NewChecker(filepath.Join(t.TempDir(), "nope.yaml"))

	snap := c.Read()
	assert.True(t, snap.AutonomyEnabled, "safe default is enabled")
	assert.Equal(t, "default(configMissing)", snap.Source)
}

func TestCheckerLastKnownGood(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "autonomyEnabled: false\n")
	c := NewChecker(path)

	require.False(t, c.Read().AutonomyEnabled)

	// File disappears: the last good value keeps the kill switch engaged.
	require.NoError(t, os.Remove(path))
	snap := c.Read()
	assert.False(t, snap.AutonomyEnabled)
	assert.Contains(t, snap.Source, "lastKnownGood")
}

func TestCheckerMalformedFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "autonomyEnabled: [not, a, bool]\n")
	c := NewChecker(path)

	snap := c.Read()
	assert.True(t, snap.AutonomyEnabled)
	assert.Equal(t, "default(configMissing)", snap.Source)
}
