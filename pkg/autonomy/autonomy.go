package autonomy

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/leviathan-sh/leviathan/pkg/log"
)

// Snapshot is the autonomy state observed at one read, with its provenance.
type Snapshot struct {
	AutonomyEnabled bool   `json:"autonomyEnabled"`
	Source          string `json:"source"`
}

// snapshotFile is the on-disk shape of the autonomy config mount.
type snapshotFile struct {
	AutonomyEnabled *bool `yaml:"autonomyEnabled" json:"autonomyEnabled"`
}

// Checker reads the autonomy kill switch from a file mount on every call. It
// is never cached across requests: an operator flipping the file must be
// observed by the next tick. A last-known-good value covers transient read
// failures, and the safe default is enabled (operators must document this).
type Checker struct {
	path string

	mu            sync.Mutex
	lastKnownGood *Snapshot
}

// NewChecker creates a Checker over the given config file path.
func NewChecker(path string) *Checker {
	return &Checker{path: path}
}

// Read returns the current autonomy snapshot. Errors are absorbed into the
// fallback chain: file value, then last-known-good, then default enabled.
func (c *Checker) Read() Snapshot {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return c.fallback(fmt.Sprintf("read %s", c.path), err)
	}

	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return c.fallback(fmt.Sprintf("parse %s", c.path), err)
	}
	if f.AutonomyEnabled == nil {
		return c.fallback(fmt.Sprintf("parse %s", c.path), fmt.Errorf("autonomyEnabled not set"))
	}

	snap := Snapshot{
		AutonomyEnabled: *f.AutonomyEnabled,
		Source:          fmt.Sprintf("file:%s", c.path),
	}

	c.mu.Lock()
	good := snap
	c.lastKnownGood = &good
	c.mu.Unlock()

	return snap
}

func (c *Checker) fallback(op string, err error) Snapshot {
	c.mu.Lock()
	last := c.lastKnownGood
	c.mu.Unlock()

	if last != nil {
		log.WithComponent("autonomy").Debug().Err(err).Msgf("%s failed, serving last known good", op)
		return Snapshot{
			AutonomyEnabled: last.AutonomyEnabled,
			Source:          fmt.Sprintf("lastKnownGood(%s)", last.Source),
		}
	}

	log.WithComponent("autonomy").Warn().Err(err).Msgf("%s failed with no prior value, defaulting to enabled", op)
	return Snapshot{
		AutonomyEnabled: true,
		Source:          "default(configMissing)",
	}
}
