package policy

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// PolicyPath and BacklogPath are the well-known in-repo locations read at the
// commit under evaluation.
const (
	PolicyPath  = ".leviathan/policy.yaml"
	BacklogPath = ".leviathan/backlog.yaml"
)

// RepoReader fetches a file from a target repository at a commit ref. The
// scheduler wires a git-backed implementation; tests use an in-memory map.
type RepoReader interface {
	ReadFile(ctx context.Context, target *types.Target, commitRef, path string) ([]byte, error)
}

// Reader loads and validates policy and backlog files for a target.
type Reader struct {
	repo RepoReader
}

// NewReader creates a Reader over the given repository access.
func NewReader(repo RepoReader) *Reader {
	return &Reader{repo: repo}
}

// LoadPolicy reads and validates .leviathan/policy.yaml at the commit.
func (r *Reader) LoadPolicy(ctx context.Context, target *types.Target, commitRef string) (*types.Policy, error) {
	data, err := r.repo.ReadFile(ctx, target, commitRef, PolicyPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "fetch policy file", err)
	}
	return ParsePolicy(data)
}

// LoadBacklog reads and validates .leviathan/backlog.yaml at the commit.
func (r *Reader) LoadBacklog(ctx context.Context, target *types.Target, commitRef string) ([]*types.Task, error) {
	data, err := r.repo.ReadFile(ctx, target, commitRef, BacklogPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "fetch backlog file", err)
	}
	return ParseBacklog(data)
}

// ParsePolicy decodes and validates a policy document. Unknown fields are
// rejected when schemaVersion is declared, tolerated otherwise.
func ParsePolicy(data []byte) (*types.Policy, error) {
	pol, err := decodePolicy(data, hasSchemaVersion(data))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "policy invalid", err)
	}
	if err := validatePolicy(pol); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "policy invalid", err)
	}
	return pol, nil
}

func decodePolicy(data []byte, strict bool) (*types.Policy, error) {
	var pol types.Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(&pol); err != nil {
		return nil, err
	}
	return &pol, nil
}

func hasSchemaVersion(data []byte) bool {
	var probe struct {
		SchemaVersion string `yaml:"schemaVersion"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.SchemaVersion != ""
}

func validatePolicy(pol *types.Policy) error {
	var problems []string

	if len(pol.AllowedPathPrefixes) == 0 {
		problems = append(problems, "allowedPathPrefixes: at least one prefix is required")
	}
	for i, p := range pol.AllowedPathPrefixes {
		if NormalizePath(p) == "" {
			problems = append(problems, fmt.Sprintf("allowedPathPrefixes[%d]: %q is not a valid repository path", i, p))
		}
	}
	if pol.MaxOpenPRs < 1 {
		problems = append(problems, "maxOpenPRs: must be >= 1")
	}
	if pol.MaxRunningAttempts < 1 {
		problems = append(problems, "maxRunningAttempts: must be >= 1")
	}
	if pol.MaxAttemptsPerTask < 1 {
		problems = append(problems, "maxAttemptsPerTask: must be >= 1")
	}
	if pol.CircuitBreakerFailures < 1 {
		problems = append(problems, "circuitBreakerFailures: must be >= 1")
	}
	if pol.AttemptTimeoutSeconds <= 0 {
		problems = append(problems, "attemptTimeoutSeconds: must be > 0")
	}
	if pol.ScheduleIntervalSeconds <= 0 {
		problems = append(problems, "scheduleIntervalSeconds: must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
