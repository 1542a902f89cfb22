package types

import (
	"time"
)

// Target represents one external repository managed by the control plane
type Target struct {
	ID            string    `json:"id"`
	RepoURL       string    `json:"repoUrl"`
	DefaultBranch string    `json:"defaultBranch"`
	Policy        *Policy   `json:"policy,omitempty"` // last observed policy snapshot
	RegisteredAt  time.Time `json:"registeredAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Policy is the per-target execution policy declared in the target repository
// at .leviathan/policy.yaml
type Policy struct {
	AutonomyEnabled         bool       `json:"autonomyEnabled" yaml:"autonomyEnabled"`
	AllowedPathPrefixes     []string   `json:"allowedPathPrefixes" yaml:"allowedPathPrefixes"`
	MaxOpenPRs              int        `json:"maxOpenPRs" yaml:"maxOpenPRs"`
	MaxRunningAttempts      int        `json:"maxRunningAttempts" yaml:"maxRunningAttempts"`
	MaxAttemptsPerTask      int        `json:"maxAttemptsPerTask" yaml:"maxAttemptsPerTask"`
	CircuitBreakerFailures  int        `json:"circuitBreakerFailures" yaml:"circuitBreakerFailures"`
	AttemptTimeoutSeconds   int        `json:"attemptTimeoutSeconds" yaml:"attemptTimeoutSeconds"`
	ScheduleIntervalSeconds int        `json:"scheduleIntervalSeconds" yaml:"scheduleIntervalSeconds"`
	AutoMerge               *AutoMerge `json:"autoMerge,omitempty" yaml:"autoMerge,omitempty"`
	SchemaVersion           string     `json:"schemaVersion,omitempty" yaml:"schemaVersion,omitempty"`
}

// AutoMerge carries the declared auto-merge rule set. The core never acts on
// it; delivery stays PR-based and human-gated.
type AutoMerge struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Rules   []string `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// ScheduleInterval returns the tick interval, floored at one minute.
func (p *Policy) ScheduleInterval() time.Duration {
	iv := time.Duration(p.ScheduleIntervalSeconds) * time.Second
	if iv < time.Minute {
		return time.Minute
	}
	return iv
}

// AttemptTimeout returns the hard per-attempt timeout.
func (p *Policy) AttemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutSeconds) * time.Second
}

// Task is one declared backlog entry in a target repository
type Task struct {
	ID                 string           `json:"id" yaml:"id"`
	Title              string           `json:"title" yaml:"title"`
	Scope              string           `json:"scope,omitempty" yaml:"scope,omitempty"`
	Ready              bool             `json:"ready" yaml:"ready"`
	Status             TaskStatus       `json:"status" yaml:"status"`
	Priority           TaskPriority     `json:"priority" yaml:"priority"`
	AllowedPaths       []string         `json:"allowedPaths" yaml:"allowedPaths"`
	Dependencies       []string         `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	AcceptanceCriteria []string         `json:"acceptanceCriteria,omitempty" yaml:"acceptanceCriteria,omitempty"`
	Attempts           []*AttemptRecord `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// TaskStatus represents the declared lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "inProgress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// TaskPriority orders candidate selection within a backlog
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

// Rank maps a priority to a comparable weight (higher wins).
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// AttemptRecord is the attempt metadata the worker writes back into the
// backlog file on completion
type AttemptRecord struct {
	AttemptID   string    `json:"attemptId" yaml:"attemptId"`
	Branch      string    `json:"branch" yaml:"branch"`
	CompletedAt time.Time `json:"completedAt" yaml:"completedAt"`
}

// Attempt is one execution of a task
type Attempt struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"taskId"`
	TargetID      string        `json:"targetId"`
	AttemptNumber int           `json:"attemptNumber"`
	CreatedAt     time.Time     `json:"createdAt"`
	StartedAt     time.Time     `json:"startedAt,omitzero"`
	CompletedAt   time.Time     `json:"completedAt,omitzero"`
	Status        AttemptStatus `json:"status"`
	FailureKind   FailureKind   `json:"failureKind,omitempty"`
	ErrorSummary  string        `json:"errorSummary,omitempty"`
	PRNumber      int           `json:"prNumber,omitempty"`
	Invalidated   bool          `json:"invalidated,omitempty"`
}

// AttemptStatus represents the state of an attempt
type AttemptStatus string

const (
	AttemptStatusCreated   AttemptStatus = "created"
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusTimedOut  AttemptStatus = "timedOut"
	AttemptStatusCancelled AttemptStatus = "cancelled"
)

// Terminal reports whether the attempt has reached a terminal status.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptStatusSucceeded, AttemptStatusFailed, AttemptStatusTimedOut, AttemptStatusCancelled:
		return true
	}
	return false
}

// FailureKind is the machine-readable classification of an attempt failure
type FailureKind string

const (
	FailureClone            FailureKind = "clone"
	FailureAuth             FailureKind = "auth"
	FailureScopeViolation   FailureKind = "scopeViolation"
	FailureExecute          FailureKind = "execute"
	FailurePush             FailureKind = "push"
	FailurePROpen           FailureKind = "prOpen"
	FailureBacklogWriteback FailureKind = "backlogWriteback"
	FailureTimeout          FailureKind = "timeout"
)

// PullRequest tracks an agent-opened PR as observed from worker events
type PullRequest struct {
	Number     int       `json:"number"`
	URL        string    `json:"url"`
	TargetID   string    `json:"targetId"`
	BranchName string    `json:"branchName"`
	BaseBranch string    `json:"baseBranch"`
	HeadCommit string    `json:"headCommit"`
	OpenedAt   time.Time `json:"openedAt"`
	ClosedAt   time.Time `json:"closedAt,omitzero"`
	MergedAt   time.Time `json:"mergedAt,omitzero"`
}

// Open reports whether the PR has neither closed nor merged.
func (pr *PullRequest) Open() bool {
	return pr.ClosedAt.IsZero() && pr.MergedAt.IsZero()
}

// AgentBranchPrefix is the stable prefix for all agent-created branches. The
// branch name is the in-flight fingerprint: open-PR counting and the PR cap
// both key on it.
const AgentBranchPrefix = "agent/"

// AttemptCreatedEventID derives the attempt.created event id from the attempt
// id. The scheduler's mint and a worker's own announcement collapse to one
// journal entry; the duplicate lands as a conflict and is dropped.
func AttemptCreatedEventID(attemptID string) string {
	return "attempt.created:" + attemptID
}

// EventType identifies one of the closed set of journal event kinds
type EventType string

const (
	EventTargetRegistered   EventType = "target.registered"
	EventTargetUpdated      EventType = "target.updated"
	EventTaskCreated        EventType = "task.created"
	EventTaskUpdated        EventType = "task.updated"
	EventTaskCompleted      EventType = "task.completed"
	EventAttemptCreated     EventType = "attempt.created"
	EventAttemptStarted     EventType = "attempt.started"
	EventAttemptSucceeded   EventType = "attempt.succeeded"
	EventAttemptFailed      EventType = "attempt.failed"
	EventAttemptCancelled   EventType = "attempt.cancelled"
	EventAttemptInvalidated EventType = "attempt.invalidated"
	EventSchedulerSkipped   EventType = "scheduler.skipped"
	EventPRCreated          EventType = "pr.created"
	EventPRMerged           EventType = "pr.merged"
	EventPRClosed           EventType = "pr.closed"
	EventArtifactCreated    EventType = "artifact.created"
)

// KnownEventTypes is the closed set accepted by the journal and the projector.
var KnownEventTypes = map[EventType]bool{
	EventTargetRegistered:   true,
	EventTargetUpdated:      true,
	EventTaskCreated:        true,
	EventTaskUpdated:        true,
	EventTaskCompleted:      true,
	EventAttemptCreated:     true,
	EventAttemptStarted:     true,
	EventAttemptSucceeded:   true,
	EventAttemptFailed:      true,
	EventAttemptCancelled:   true,
	EventAttemptInvalidated: true,
	EventSchedulerSkipped:   true,
	EventPRCreated:          true,
	EventPRMerged:           true,
	EventPRClosed:           true,
	EventArtifactCreated:    true,
}

// Event is the sole mutator of control-plane state. Once appended it is
// immutable; PrevHash and Hash are assigned by the journal at append time.
type Event struct {
	EventID   string                 `json:"eventId"`
	EventType EventType              `json:"eventType"`
	Timestamp time.Time              `json:"timestamp"`
	ActorID   string                 `json:"actorId"`
	TargetID  string                 `json:"targetId"`
	Payload   map[string]interface{} `json:"payload"`
	PrevHash  string                 `json:"prevHash,omitempty"`
	Hash      string                 `json:"hash,omitempty"`
}

// PayloadString returns the named payload field as a string, or "" when
// absent or of another type.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt returns the named payload field as an int. JSON decoding yields
// float64 for numbers; both are accepted.
func (e *Event) PayloadInt(key string) int {
	if e.Payload == nil {
		return 0
	}
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bundle is the atomic unit of event ingestion. All events in a bundle share
// the bundle's target.
type Bundle struct {
	BundleID  string         `json:"bundleId"`
	Target    string         `json:"target"`
	Events    []*Event       `json:"events"`
	Artifacts []*ArtifactRef `json:"artifacts,omitempty"`
}

// ArtifactRef points at a content-addressed blob stored outside the journal
type ArtifactRef struct {
	SHA256   string `json:"sha256"`
	Kind     string `json:"kind"`
	URI      string `json:"uri"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// SkipReason enumerates why a scheduler tick ended without a dispatch
type SkipReason string

const (
	SkipAutonomyDisabled SkipReason = "autonomyDisabled"
	SkipCircuitOpen      SkipReason = "circuitOpen"
	SkipPRCap            SkipReason = "prCap"
	SkipFetchError       SkipReason = "fetchError"
	SkipNoCandidate      SkipReason = "noCandidate"
	SkipRetryCap         SkipReason = "retryCap"
	SkipRunningCap       SkipReason = "runningCap"
	SkipDispatchError    SkipReason = "dispatchError"
)

// AttemptContext is the fully-resolved context the scheduler hands to a
// worker. Credentials travel by reference (environment variable names), never
// by value.
type AttemptContext struct {
	TargetID        string `json:"targetId"`
	RepoURL         string `json:"repoUrl"`
	BaseBranch      string `json:"baseBranch"`
	TaskID          string `json:"taskId"`
	Task            *Task  `json:"task"`
	AttemptID       string `json:"attemptId"`
	AttemptNumber   int    `json:"attemptNumber"`
	ControlPlaneURL string `json:"controlPlaneUrl"`
	TokenEnvVar     string `json:"tokenEnvVar"`    // PR host / git token
	APITokenEnvVar  string `json:"apiTokenEnvVar"` // control-plane bearer token
	TimeoutSeconds  int    `json:"timeoutSeconds"`
}
