package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/log"
	"github.com/leviathan-sh/leviathan/pkg/metrics"
	"github.com/leviathan-sh/leviathan/pkg/policy"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

const (
	// tickResolution is how often the run loop checks whether any target's
	// schedule interval has elapsed. Ticks are cheap and coalescible; exact
	// timing is never relied on.
	tickResolution = 15 * time.Second

	// maxConcurrentTicks bounds the fan-out across targets.
	maxConcurrentTicks = 8

	actorID = "scheduler"
)

// Projection is the read model the scheduler consults for guardrails.
type Projection interface {
	OpenPRsForTarget(targetID string) []*types.PullRequest
	AttemptsForTask(targetID, taskID string) []*types.Attempt
	ConsecutiveFailures(targetID string) int
	RunningAttempts(targetID string) int
}

// BundleSubmitter appends an event bundle to the journal, directly or over
// the control-plane API.
type BundleSubmitter interface {
	Submit(ctx context.Context, bundle *types.Bundle) error
}

// AutonomyReader reads the kill switch. Read happens per tick, never cached
// across ticks.
type AutonomyReader interface {
	Read() autonomy.Snapshot
}

// RepoLoader fetches policy and backlog from the target repository at its
// default branch head.
type RepoLoader interface {
	LoadPolicy(ctx context.Context, target *types.Target, commitRef string) (*types.Policy, error)
	LoadBacklog(ctx context.Context, target *types.Target, commitRef string) ([]*types.Task, error)
}

// Launcher dispatches one worker for a minted attempt. Dispatch returns as
// soon as the launch is accepted; the scheduler never waits for completion.
type Launcher interface {
	Launch(ctx context.Context, actx *types.AttemptContext) error
}

// PRHost is the hosting service's view of pull requests. The host, not the
// projection, is the authority for the PR cap: the journal only hears about a
// merge or close once somebody reconciles.
type PRHost interface {
	ListOpenPRs(ctx context.Context, repoURL string) ([]*types.PullRequest, error)
	GetPR(ctx context.Context, repoURL string, number int) (*types.PullRequest, error)
}

// Config carries the scheduler's static wiring.
type Config struct {
	ControlPlaneURL string
	TokenEnvVar     string // PR host / git token env var name
	APITokenEnvVar  string // control-plane bearer token env var name
}

// Scheduler runs the per-target tick loop. Ticks for different targets may
// overlap; ticks for the same target never do (a per-target lease is taken
// with TryLock and a held lease skips the tick).
type Scheduler struct {
	projection Projection
	submitter  BundleSubmitter
	autonomy   AutonomyReader
	repo       RepoLoader
	launcher   Launcher
	prHost     PRHost
	cfg        Config

	mu       sync.Mutex
	targets  map[string]*types.Target
	leases   map[string]*sync.Mutex
	lastTick map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler.
func New(p Projection, s BundleSubmitter, a AutonomyReader, r RepoLoader, l Launcher, h PRHost, cfg Config) *Scheduler {
	return &Scheduler{
		projection: p,
		submitter:  s,
		autonomy:   a,
		repo:       r,
		launcher:   l,
		prHost:     h,
		cfg:        cfg,
		targets:    make(map[string]*types.Target),
		leases:     make(map[string]*sync.Mutex),
		lastTick:   make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// AddTarget registers a target for scheduling.
func (s *Scheduler) AddTarget(t *types.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
	if _, ok := s.leases[t.ID]; !ok {
		s.leases[t.ID] = &sync.Mutex{}
	}
}

// RemoveTarget unregisters a target.
func (s *Scheduler) RemoveTarget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, id)
	delete(s.lastTick, id)
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	go s.run()
	log.WithComponent("scheduler").Info().Msg("scheduler started")
}

// Stop stops the tick loop and waits for it to exit. In-flight workers keep
// running; stopping the scheduler only stops new dispatches.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tickDue(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// tickDue fans a tick out to every target whose schedule interval elapsed.
func (s *Scheduler) tickDue(ctx context.Context) {
	s.mu.Lock()
	due := make([]*types.Target, 0, len(s.targets))
	now := time.Now()
	for id, t := range s.targets {
		interval := time.Minute
		if t.Policy != nil {
			interval = t.Policy.ScheduleInterval()
		}
		if now.Sub(s.lastTick[id]) >= interval {
			s.lastTick[id] = now
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTicks)
	for _, t := range due {
		target := t
		g.Go(func() error {
			s.Tick(ctx, target)
			return nil
		})
	}
	g.Wait()
}

// Tick evaluates one target against every guardrail and dispatches at most
// one worker. The tick either dispatches, emits one scheduler.skipped event,
// or finds another tick holding the target lease and does nothing.
func (s *Scheduler) Tick(ctx context.Context, target *types.Target) {
	s.mu.Lock()
	lease, ok := s.leases[target.ID]
	if !ok {
		lease = &sync.Mutex{}
		s.leases[target.ID] = lease
	}
	s.mu.Unlock()

	if !lease.TryLock() {
		log.WithTargetID(target.ID).Debug().Msg("tick already running, skipping")
		return
	}
	defer lease.Unlock()

	logger := log.WithTargetID(target.ID)

	// Autonomy gate.
	snap := s.autonomy.Read()
	if !snap.AutonomyEnabled {
		s.skip(ctx, target, types.SkipAutonomyDisabled, map[string]interface{}{"source": snap.Source})
		return
	}

	// Policy at the default branch head. Caps and the circuit threshold all
	// come from here; without it the tick cannot proceed safely.
	pol, err := s.repo.LoadPolicy(ctx, target, target.DefaultBranch)
	if err != nil {
		s.skip(ctx, target, types.SkipFetchError, map[string]interface{}{"detail": err.Error()})
		return
	}
	// tickDue reads target.Policy for the interval; same lock.
	s.mu.Lock()
	target.Policy = pol
	s.mu.Unlock()

	// Circuit check.
	if failures := s.projection.ConsecutiveFailures(target.ID); failures >= pol.CircuitBreakerFailures {
		s.skip(ctx, target, types.SkipCircuitOpen, map[string]interface{}{"consecutiveFailures": failures})
		return
	}

	// PR cap, counted on the hosting service. A PR merged or closed on the
	// host leaves the projection's count stale until the reconciliation below
	// journals the terminal event.
	remote, err := s.prHost.ListOpenPRs(ctx, target.RepoURL)
	if err != nil {
		s.skip(ctx, target, types.SkipFetchError, map[string]interface{}{"detail": err.Error()})
		return
	}
	remoteOpen := make(map[int]bool, len(remote))
	openAgent := 0
	for _, pr := range remote {
		remoteOpen[pr.Number] = true
		if strings.HasPrefix(pr.BranchName, types.AgentBranchPrefix) {
			openAgent++
		}
	}
	s.reconcilePRs(ctx, target, remoteOpen)
	if openAgent >= pol.MaxOpenPRs {
		s.skip(ctx, target, types.SkipPRCap, map[string]interface{}{"openPrs": openAgent})
		return
	}

	// Running-attempt cap.
	if running := s.projection.RunningAttempts(target.ID); running >= pol.MaxRunningAttempts {
		s.skip(ctx, target, types.SkipRunningCap, map[string]interface{}{"running": running})
		return
	}

	// Backlog load.
	backlog, err := s.repo.LoadBacklog(ctx, target, target.DefaultBranch)
	if err != nil {
		s.skip(ctx, target, types.SkipFetchError, map[string]interface{}{"detail": err.Error()})
		return
	}

	// Task selection.
	task := selectTask(backlog, pol)
	if task == nil {
		s.skip(ctx, target, types.SkipNoCandidate, nil)
		return
	}

	// Retry cap: non-invalidated attempts, running ones included.
	previous := s.projection.AttemptsForTask(target.ID, task.ID)
	if len(previous) >= pol.MaxAttemptsPerTask {
		s.skip(ctx, target, types.SkipRetryCap, map[string]interface{}{"taskId": task.ID, "attempts": len(previous)})
		return
	}

	// Attempt mint. The event id is derived from the attempt id so a worker
	// announcing the same attempt cannot double-journal it.
	attemptID := uuid.New().String()
	attemptNumber := len(previous) + 1
	created := &types.Event{
		EventID:   types.AttemptCreatedEventID(attemptID),
		EventType: types.EventAttemptCreated,
		Timestamp: time.Now().UTC(),
		ActorID:   actorID,
		Payload: map[string]interface{}{
			"attemptId":     attemptID,
			"taskId":        task.ID,
			"attemptNumber": attemptNumber,
		},
	}
	if err := s.submit(ctx, target.ID, created); err != nil {
		logger.Error().Err(err).Msg("attempt.created submission failed")
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return
	}

	// Dispatch.
	actx := &types.AttemptContext{
		TargetID:        target.ID,
		RepoURL:         target.RepoURL,
		BaseBranch:      target.DefaultBranch,
		TaskID:          task.ID,
		Task:            task,
		AttemptID:       attemptID,
		AttemptNumber:   attemptNumber,
		ControlPlaneURL: s.cfg.ControlPlaneURL,
		TokenEnvVar:     s.cfg.TokenEnvVar,
		APITokenEnvVar:  s.cfg.APITokenEnvVar,
		TimeoutSeconds:  pol.AttemptTimeoutSeconds,
	}
	if err := s.launcher.Launch(ctx, actx); err != nil {
		s.skip(ctx, target, types.SkipDispatchError, map[string]interface{}{
			"taskId": task.ID, "attemptId": attemptID, "detail": err.Error(),
		})
		return
	}

	logger.Info().
		Str("task_id", task.ID).
		Str("attempt_id", attemptID).
		Int("attempt_number", attemptNumber).
		Msg("worker dispatched")
	metrics.SchedulerTicksTotal.WithLabelValues("dispatched").Inc()
	metrics.AttemptsDispatched.Inc()
}

// reconcilePRs journals terminal events for PRs the projection still holds
// open but the host no longer does. Event ids are derived from the PR number,
// so concurrent ticks collapse to one entry and a conflict is not an error.
func (s *Scheduler) reconcilePRs(ctx context.Context, target *types.Target, remoteOpen map[int]bool) {
	for _, pr := range s.projection.OpenPRsForTarget(target.ID) {
		if remoteOpen[pr.Number] {
			continue
		}
		hostPR, err := s.prHost.GetPR(ctx, target.RepoURL, pr.Number)
		if err != nil {
			log.WithTargetID(target.ID).Warn().Err(err).Int("pr_number", pr.Number).Msg("pr reconciliation lookup failed")
			continue
		}

		eventType := types.EventPRClosed
		ts := hostPR.ClosedAt
		if !hostPR.MergedAt.IsZero() {
			eventType = types.EventPRMerged
			ts = hostPR.MergedAt
		}
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		e := &types.Event{
			EventID:   fmt.Sprintf("%s:%s:%d", eventType, target.ID, pr.Number),
			EventType: eventType,
			Timestamp: ts,
			ActorID:   actorID,
			Payload:   map[string]interface{}{"number": pr.Number},
		}
		if err := s.submit(ctx, target.ID, e); err != nil && !errdefs.IsKind(err, errdefs.KindConflict) {
			log.WithTargetID(target.ID).Error().Err(err).Int("pr_number", pr.Number).Msg("pr reconciliation submission failed")
			continue
		}
		log.WithTargetID(target.ID).Info().
			Int("pr_number", pr.Number).
			Str("event_type", string(eventType)).
			Msg("pr reconciled from host")
	}
}

// selectTask picks the executable candidate: ready, pending, dependencies
// completed within the same backlog, in policy scope. Highest priority wins;
// ties break on backlog order.
func selectTask(backlog []*types.Task, pol *types.Policy) *types.Task {
	statusByID := make(map[string]types.TaskStatus, len(backlog))
	for _, t := range backlog {
		statusByID[t.ID] = t.Status
	}

	type candidate struct {
		task  *types.Task
		order int
	}
	var candidates []candidate
	for i, t := range backlog {
		if !t.Ready || t.Status != types.TaskStatusPending {
			continue
		}
		if !dependenciesSatisfied(t, statusByID) {
			continue
		}
		if !policy.IsTaskInScope(t, pol) {
			continue
		}
		candidates = append(candidates, candidate{task: t, order: i})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].task.Priority.Rank(), candidates[j].task.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0].task
}

func dependenciesSatisfied(t *types.Task, statusByID map[string]types.TaskStatus) bool {
	for _, dep := range t.Dependencies {
		if statusByID[dep] != types.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) skip(ctx context.Context, target *types.Target, reason types.SkipReason, detail map[string]interface{}) {
	payload := map[string]interface{}{"reason": string(reason)}
	for k, v := range detail {
		payload[k] = v
	}

	e := &types.Event{
		EventID:   uuid.New().String(),
		EventType: types.EventSchedulerSkipped,
		Timestamp: time.Now().UTC(),
		ActorID:   actorID,
		Payload:   payload,
	}
	if err := s.submit(ctx, target.ID, e); err != nil {
		log.WithTargetID(target.ID).Error().Err(err).Str("reason", string(reason)).Msg("skip event submission failed")
	}

	log.WithTargetID(target.ID).Info().Str("reason", string(reason)).Msg("tick skipped")
	metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
	metrics.SchedulerSkipsTotal.WithLabelValues(string(reason)).Inc()
}

func (s *Scheduler) submit(ctx context.Context, targetID string, events ...*types.Event) error {
	bundle := &types.Bundle{
		BundleID: uuid.New().String(),
		Target:   targetID,
		Events:   events,
	}
	if err := s.submitter.Submit(ctx, bundle); err != nil {
		return fmt.Errorf("submit bundle: %w", err)
	}
	return nil
}
