package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

type fakeProjection struct {
	openPRs     []*types.PullRequest
	attempts    map[string][]*types.Attempt // key taskID
	consecutive int
	running     int
}

func (f *fakeProjection) OpenPRsForTarget(string) []*types.PullRequest { return f.openPRs }
func (f *fakeProjection) AttemptsForTask(_, taskID string) []*types.Attempt {
	return f.attempts[taskID]
}
func (f *fakeProjection) ConsecutiveFailures(string) int { return f.consecutive }
func (f *fakeProjection) RunningAttempts(string) int     { return f.running }

type fakeSubmitter struct {
	mu      sync.Mutex
	bundles []*types.Bundle
}

func (f *fakeSubmitter) Submit(_ context.Context, b *types.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, b)
	return nil
}

func (f *fakeSubmitter) eventsOfType(et types.EventType) []*types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Event
	for _, b := range f.bundles {
		for _, e := range b.Events {
			if e.EventType == et {
				out = append(out, e)
			}
		}
	}
	return out
}

func (f *fakeSubmitter) skipReasons() []string {
	var out []string
	for _, e := range f.eventsOfType(types.EventSchedulerSkipped) {
		out = append(out, e.PayloadString("reason"))
	}
	return out
}

type fakeAutonomy struct {
	enabled bool
}

func (f *fakeAutonomy) Read() autonomy.Snapshot {
	return autonomy.Snapshot{AutonomyEnabled: f.enabled, Source: "file:test"}
}

type fakeRepo struct {
	policy     *types.Policy
	policyErr  error
	backlog    []*types.Task
	backlogErr error
}

func (f *fakeRepo) LoadPolicy(context.Context, *types.Target, string) (*types.Policy, error) {
	return f.policy, f.policyErr
}

func (f *fakeRepo) LoadBacklog(context.Context, *types.Target, string) ([]*types.Task, error) {
	return f.backlog, f.backlogErr
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*types.AttemptContext
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, actx *types.AttemptContext) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, actx)
	return nil
}

type fakePRHost struct {
	open    []*types.PullRequest
	byNum   map[int]*types.PullRequest
	listErr error
}

func (f *fakePRHost) ListOpenPRs(context.Context, string) ([]*types.PullRequest, error) {
	return f.open, f.listErr
}

func (f *fakePRHost) GetPR(_ context.Context, _ string, number int) (*types.PullRequest, error) {
	if pr, ok := f.byNum[number]; ok {
		return pr, nil
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "pr %d not found", number)
}

func testPolicy() *types.Policy {
	return &types.Policy{
		AutonomyEnabled:         true,
		AllowedPathPrefixes:     []string{"docs/"},
		MaxOpenPRs:              1,
		MaxRunningAttempts:      1,
		MaxAttemptsPerTask:      2,
		CircuitBreakerFailures:  2,
		AttemptTimeoutSeconds:   1800,
		ScheduleIntervalSeconds: 300,
	}
}

func readyTask(id string) *types.Task {
	return &types.Task{
		ID:           id,
		Title:        "Task " + id,
		Ready:        true,
		Status:       types.TaskStatusPending,
		Priority:     types.PriorityNormal,
		AllowedPaths: []string{"docs/" + id + ".md"},
	}
}

type fixture struct {
	scheduler  *Scheduler
	projection *fakeProjection
	submitter  *fakeSubmitter
	autonomy   *fakeAutonomy
	repo       *fakeRepo
	launcher   *fakeLauncher
	prHost     *fakePRHost
	target     *types.Target
}

func newFixture() *fixture {
	f := &fixture{
		projection: &fakeProjection{attempts: make(map[string][]*types.Attempt)},
		submitter:  &fakeSubmitter{},
		autonomy:   &fakeAutonomy{enabled: true},
		repo:       &fakeRepo{policy: testPolicy(), backlog: []*types.Task{readyTask("fix-readme")}},
		launcher:   &fakeLauncher{},
		prHost:     &fakePRHost{},
		target: &types.Target{
			ID:            "demo",
			RepoURL:       "https://example.com/demo.git",
			DefaultBranch: "main",
		},
	}
	f.scheduler = New(f.projection, f.submitter, f.autonomy, f.repo, f.launcher, f.prHost, Config{
		ControlPlaneURL: "http://127.0.0.1:7600",
		TokenEnvVar:     "GIT_TOKEN",
		APITokenEnvVar:  "LEVIATHAN_CONTROL_PLANE_TOKEN",
	})
	return f
}

func TestTickDispatchesOneWorker(t *testing.T) {
	f := newFixture()
	f.scheduler.Tick(context.Background(), f.target)

	created := f.submitter.eventsOfType(types.EventAttemptCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "fix-readme", created[0].PayloadString("taskId"))
	assert.Equal(t, 1, created[0].PayloadInt("attemptNumber"))
	assert.NotEmpty(t, created[0].PayloadString("attemptId"))

	require.Len(t, f.launcher.launched, 1)
	actx := f.launcher.launched[0]
	assert.Equal(t, "demo", actx.TargetID)
	assert.Equal(t, "fix-readme", actx.TaskID)
	assert.Equal(t, created[0].PayloadString("attemptId"), actx.AttemptID)
	assert.Equal(t, 1800, actx.TimeoutSeconds)
	assert.Equal(t, "GIT_TOKEN", actx.TokenEnvVar, "credentials travel by reference")

	// The event id derives from the attempt id, so the worker's own
	// announcement of the same attempt lands as a harmless duplicate.
	assert.Equal(t, types.AttemptCreatedEventID(actx.AttemptID), created[0].EventID)

	assert.Empty(t, f.submitter.skipReasons())
}

func TestPolicyWriteConcurrentWithDueScan(t *testing.T) {
	f := newFixture()
	f.scheduler.AddTarget(f.target)

	// Ticks write target.Policy while the due scan reads it; run with -race.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			f.scheduler.Tick(context.Background(), f.target)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			f.scheduler.tickDue(context.Background())
		}
	}()
	wg.Wait()
}

func TestTickAutonomyDisabled(t *testing.T) {
	f := newFixture()
	f.autonomy.enabled = false
	f.scheduler.Tick(context.Background(), f.target)

	assert.Equal(t, []string{"autonomyDisabled"}, f.submitter.skipReasons())
	assert.Empty(t, f.launcher.launched)
	assert.Empty(t, f.submitter.eventsOfType(types.EventAttemptCreated))
}

func TestTickCircuitOpen(t *testing.T) {
	f := newFixture()
	f.projection.consecutive = 2 // threshold is 2
	f.scheduler.Tick(context.Background(), f.target)

	assert.Equal(t, []string{"circuitOpen"}, f.submitter.skipReasons())
	assert.Empty(t, f.launcher.launched)
}

func TestTickPRCap(t *testing.T) {
	f := newFixture()
	f.prHost.open = []*types.PullRequest{
		{Number: 7, BranchName: "agent/other-a0"},
	}
	f.scheduler.Tick(context.Background(), f.target)

	assert.Equal(t, []string{"prCap"}, f.submitter.skipReasons())
	assert.Empty(t, f.launcher.launched)
}

func TestTickPRCapIgnoresHumanPRs(t *testing.T) {
	f := newFixture()
	f.prHost.open = []*types.PullRequest{
		{Number: 3, BranchName: "feature/manual-change"},
	}
	f.scheduler.Tick(context.Background(), f.target)

	assert.Empty(t, f.submitter.skipReasons())
	assert.Len(t, f.launcher.launched, 1)
}

func TestTickPRListError(t *testing.T) {
	f := newFixture()
	f.prHost.listErr = errdefs.New(errdefs.KindRateLimited, "secondary rate limit")
	f.scheduler.Tick(context.Background(), f.target)

	assert.Equal(t, []string{"fetchError"}, f.submitter.skipReasons())
	assert.Empty(t, f.launcher.launched)
}

func TestTickReconcilesMergedPR(t *testing.T) {
	f := newFixture()
	// The local view still holds the PR open; the host already merged it.
	// Without reconciliation the cap would wedge on the stale count forever.
	f.projection.openPRs = []*types.PullRequest{
		{Number: 7, TargetID: "demo", BranchName: "agent/other-a0"},
	}
	f.prHost.byNum = map[int]*types.PullRequest{
		7: {Number: 7, BranchName: "agent/other-a0", MergedAt: time.Now().UTC()},
	}
	f.scheduler.Tick(context.Background(), f.target)

	merged := f.submitter.eventsOfType(types.EventPRMerged)
	require.Len(t, merged, 1)
	assert.Equal(t, 7, merged[0].PayloadInt("number"))
	assert.Equal(t, "pr.merged:demo:7", merged[0].EventID)

	assert.Empty(t, f.submitter.skipReasons())
	assert.Len(t, f.launcher.launched, 1)
}

func TestTickReconcilesClosedPR(t *testing.T) {
	f := newFixture()
	f.projection.openPRs = []*types.PullRequest{
		{Number: 9, TargetID: "demo", BranchName: "agent/other-a1"},
	}
	f.prHost.byNum = map[int]*types.PullRequest{
		9: {Number: 9, BranchName: "agent/other-a1", ClosedAt: time.Now().UTC()},
	}
	f.scheduler.Tick(context.Background(), f.target)

	closed := f.submitter.eventsOfType(types.EventPRClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, 9, closed[0].PayloadInt("number"))
	assert.Equal(t, "pr.closed:demo:9", closed[0].EventID)
	assert.Len(t, f.launcher.launched, 1)
}

func TestTickRunningCap(t *testing.T) {
	f := newFixture()
	f.projection.running = 1
	f.scheduler.Tick(context.Background(), f.target)

	assert.Equal(t, []string{"runningCap"}, f.submitter.skipReasons())
	assert.Empty(t, f.launcher.launched)
}

func TestTickFetchError(t *testing.T) {
	f := newFixture()
	f.repo.backlogErr = errdefs.New(errdefs.KindTransportFailed, "clone timed out")
	f.scheduler.Tick(context.Background(), f.target)

	skips := f.submitter.eventsOfType(types.EventSchedulerSkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, "fetchError", skips[0].PayloadString("reason"))
	assert.Contains(t, skips[0].PayloadString("detail"), "clone timed out")
}

func TestTickPolicyFetchError(t *testing.T) {
	f := newFixture()
	f.repo.policy = nil
	f.repo.policyErr = errdefs.New(errdefs.KindTransportFailed, "unreachable")
	f.scheduler.Tick(context.Background(), f.target)

	assert.Equal(t, []string{"fetchError"}, f.submitter.skipReasons())
}

func TestTickNoCandidate(t *testing.T) {
	tests := []struct {
		name    string
		backlog []*types.Task
	}{
		{"empty backlog", nil},
		{"not ready", []*types.Task{func() *types.Task {
			k := readyTask("k")
			k.Ready = false
			return k
		}()}},
		{"not pending", []*types.Task{func() *types.Task {
			k := readyTask("k")
			k.Status = types.TaskStatusCompleted
			return k
		}()}},
		{"out of scope", []*types.Task{func() *types.Task {
			k := readyTask("k")
			k.AllowedPaths = []string{"docs2/notes.md"}
			return k
		}()}},
		{"unsatisfied dependency", []*types.Task{func() *types.Task {
			k := readyTask("k")
			k.Dependencies = []string{"other"}
			return k
		}(), func() *types.Task {
			o := readyTask("other")
			o.Ready = false
			return o
		}()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.repo.backlog = tt.backlog
			f.scheduler.Tick(context.Background(), f.target)

			assert.Equal(t, []string{"noCandidate"}, f.submitter.skipReasons())
			assert.Empty(t, f.launcher.launched)
		})
	}
}

func TestTickRetryCap(t *testing.T) {
	f := newFixture()
	f.projection.attempts["fix-readme"] = []*types.Attempt{
		{ID: "a1", Status: types.AttemptStatusFailed},
		{ID: "a2", Status: types.AttemptStatusFailed},
	}
	f.scheduler.Tick(context.Background(), f.target)

	skips := f.submitter.eventsOfType(types.EventSchedulerSkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, "retryCap", skips[0].PayloadString("reason"))
	assert.Equal(t, "fix-readme", skips[0].PayloadString("taskId"))
	assert.Empty(t, f.launcher.launched)
}

func TestTickAttemptNumberIncrements(t *testing.T) {
	f := newFixture()
	f.projection.attempts["fix-readme"] = []*types.Attempt{
		{ID: "a1", Status: types.AttemptStatusFailed, AttemptNumber: 1},
	}
	f.scheduler.Tick(context.Background(), f.target)

	created := f.submitter.eventsOfType(types.EventAttemptCreated)
	require.Len(t, created, 1)
	assert.Equal(t, 2, created[0].PayloadInt("attemptNumber"))
}

func TestTickDispatchError(t *testing.T) {
	f := newFixture()
	f.launcher.err = errdefs.New(errdefs.KindInternal, "no capacity")
	f.scheduler.Tick(context.Background(), f.target)

	// attempt.created is already journaled; the failed dispatch is recorded
	// as a skip and does not panic the tick.
	assert.Len(t, f.submitter.eventsOfType(types.EventAttemptCreated), 1)
	assert.Equal(t, []string{"dispatchError"}, f.submitter.skipReasons())
}

func TestSelectTaskPriorityAndOrder(t *testing.T) {
	low := readyTask("low")
	low.Priority = types.PriorityLow
	first := readyTask("first")
	second := readyTask("second")
	high := readyTask("high")
	high.Priority = types.PriorityHigh

	pol := testPolicy()

	picked := selectTask([]*types.Task{low, first, second, high}, pol)
	require.NotNil(t, picked)
	assert.Equal(t, "high", picked.ID, "highest priority wins")

	picked = selectTask([]*types.Task{low, first, second}, pol)
	require.NotNil(t, picked)
	assert.Equal(t, "first", picked.ID, "ties break on backlog order")
}

func TestSelectTaskDependencyInSameBacklog(t *testing.T) {
	done := readyTask("done")
	done.Ready = false
	done.Status = types.TaskStatusCompleted
	dependent := readyTask("dependent")
	dependent.Dependencies = []string{"done"}

	picked := selectTask([]*types.Task{done, dependent}, testPolicy())
	require.NotNil(t, picked)
	assert.Equal(t, "dependent", picked.ID)
}
