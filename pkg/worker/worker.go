package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/leviathan-sh/leviathan/pkg/editor"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/log"
	"github.com/leviathan-sh/leviathan/pkg/metrics"
	"github.com/leviathan-sh/leviathan/pkg/policy"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// Config carries the worker's static wiring.
type Config struct {
	// TokenUser is the username half of the token-embedded clone URL.
	TokenUser string
	// ScratchDir is where clones live; defaults to the system temp dir.
	ScratchDir string
	// CrashDir receives undeliverable-bundle artifacts.
	CrashDir string
	// SkipWriteback disables the backlog writeback commit. The writeback is
	// required for the built-in docs flow and on by default.
	SkipWriteback bool
}

// Worker executes exactly one attempt to a terminal state. It never loops
// and never retries the attempt itself; retry policy belongs to the
// scheduler.
type Worker struct {
	git       Git
	prHost    PRHost
	editors   *editor.Registry
	submitter BundleSubmitter
	cfg       Config
}

// New creates a worker.
func New(git Git, prHost PRHost, editors *editor.Registry, submitter BundleSubmitter, cfg Config) *Worker {
	return &Worker{
		git:       git,
		prHost:    prHost,
		editors:   editors,
		submitter: submitter,
		cfg:       cfg,
	}
}

// Run drives one attempt through its lifecycle. The returned error is
// non-nil when the attempt failed; the terminal event has already been
// emitted (or a crash artifact written) by the time Run returns.
func (w *Worker) Run(ctx context.Context, actx *types.AttemptContext) error {
	logger := log.WithAttemptID(actx.AttemptID)
	started := time.Now()

	rec := newRecorder(w.submitter, actx.TargetID, "worker/"+actx.AttemptID, w.cfg.CrashDir)

	if actx.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(actx.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	// Created. The scheduler journals this before dispatch; a hand-launched
	// worker has nobody to do it, so the worker announces its own attempt.
	// The bundle is separate from started: a duplicate bounces as a conflict
	// without taking the started event down with it.
	if err := w.announceCreated(ctx, actx); err != nil {
		logger.Error().Err(err).Msg("attempt.created announcement failed")
		return err
	}

	// Started. The bundle goes out immediately so the projection sees the
	// attempt as running while the clone and edit are in flight.
	rec.record(types.EventAttemptStarted, map[string]interface{}{"attemptId": actx.AttemptID})
	if err := rec.flush(ctx); err != nil {
		return err
	}

	err := w.execute(ctx, rec, actx)
	if err != nil {
		kind, summary := classifyTerminal(ctx, err)
		logger.Error().Err(err).Str("failure_kind", string(kind)).Msg("attempt failed")
		rec.record(terminalEventType(ctx), map[string]interface{}{
			"attemptId":    actx.AttemptID,
			"failureKind":  string(kind),
			"errorSummary": summary,
		})
		metrics.AttemptsTerminal.WithLabelValues(string(terminalStatus(ctx))).Inc()
		metrics.AttemptDuration.Observe(time.Since(started).Seconds())
		if flushErr := rec.flush(ctx); flushErr != nil {
			return flushErr
		}
		return err
	}

	metrics.AttemptsTerminal.WithLabelValues(string(types.AttemptStatusSucceeded)).Inc()
	metrics.AttemptDuration.Observe(time.Since(started).Seconds())
	logger.Info().Dur("elapsed", time.Since(started)).Msg("attempt succeeded")
	return rec.flush(ctx)
}

// announceCreated journals attempt.created with the event id derived from
// the attempt id. A conflict means the attempt is already journaled and is
// not an error; anything else aborts before the clone.
func (w *Worker) announceCreated(ctx context.Context, actx *types.AttemptContext) error {
	bundle := &types.Bundle{
		BundleID: uuid.New().String(),
		Target:   actx.TargetID,
		Events: []*types.Event{{
			EventID:   types.AttemptCreatedEventID(actx.AttemptID),
			EventType: types.EventAttemptCreated,
			Timestamp: time.Now().UTC(),
			ActorID:   "worker/" + actx.AttemptID,
			Payload: map[string]interface{}{
				"attemptId":     actx.AttemptID,
				"taskId":        actx.TaskID,
				"attemptNumber": actx.AttemptNumber,
			},
		}},
	}
	if err := w.submitter.Submit(ctx, bundle); err != nil && !errdefs.IsKind(err, errdefs.KindConflict) {
		return err
	}
	return nil
}

// execute runs Cloning through WritingBackBacklog. Success events are queued
// on the recorder; the caller flushes.
func (w *Worker) execute(ctx context.Context, rec *recorder, actx *types.AttemptContext) error {
	task := actx.Task
	if task == nil {
		return errdefs.New(errdefs.KindValidationFailed, "attempt context has no task")
	}

	// Cloning.
	token := os.Getenv(actx.TokenEnvVar)
	cloneURL, err := TokenURL(actx.RepoURL, w.cfg.TokenUser, token)
	if err != nil {
		return err
	}
	workdir, err := w.scratchDir(actx.AttemptID)
	if err != nil {
		return err
	}
	defer os.RemoveAll(workdir)

	if err := w.git.CloneShallow(ctx, cloneURL, actx.BaseBranch, workdir); err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	// The policy travels in the repo; the worker re-reads it from the clone
	// and refuses out-of-scope tasks before any edit.
	polData, err := os.ReadFile(filepath.Join(workdir, filepath.FromSlash(policy.PolicyPath)))
	if err != nil {
		return errdefs.Wrap(errdefs.KindPolicyViolation, "read policy from clone", err)
	}
	pol, err := policy.ParsePolicy(polData)
	if err != nil {
		return err
	}
	if !policy.IsTaskInScope(task, pol) {
		return errdefs.Newf(errdefs.KindScopeViolation, "task %s allowedPaths exceed policy prefixes", task.ID)
	}

	branch := BranchName(task.ID, actx.AttemptID)
	if err := w.git.CreateBranch(ctx, workdir, branch); err != nil {
		return fmt.Errorf("create branch: %w", err)
	}

	// Executing.
	ed, err := w.editors.For(task)
	if err != nil {
		return err
	}
	modified, err := ed.Apply(ctx, workdir, task)
	if err != nil {
		return fmt.Errorf("execute editor: %w", err)
	}
	if len(modified) == 0 {
		return errdefs.New(errdefs.KindInternal, "editor modified nothing")
	}

	// Scope re-verification on every modified path. Nothing is staged or
	// pushed past this point unless all paths are inside the task scope.
	for _, p := range modified {
		if !policy.PathAllowedByTask(p, task) || !policy.IsPathWithinPolicy(p, pol) {
			return errdefs.Newf(errdefs.KindScopeViolation, "editor modified %s outside task scope", p)
		}
	}

	// Committing. Forced adds keep allowed-but-gitignored paths in.
	if err := w.git.Add(ctx, workdir, true, modified...); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	if err := w.git.Commit(ctx, workdir, CommitMessage(task.ID, actx.AttemptID)); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	// Pushing.
	if err := w.git.Push(ctx, workdir, branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	// OpeningPR.
	title := fmt.Sprintf("%s: %s", task.ID, task.Title)
	body := prBody(task, actx)
	pr, err := w.prHost.EnsurePR(ctx, actx.RepoURL, branch, actx.BaseBranch, title, body)
	if err != nil {
		return fmt.Errorf("open pr: %w", err)
	}

	// WritingBackBacklog: a second commit on the same branch flips the task
	// to completed so it never re-executes.
	if !w.cfg.SkipWriteback {
		if err := w.writeback(ctx, workdir, branch, task, actx); err != nil {
			return fmt.Errorf("backlog writeback: %w", err)
		}
	}

	head, err := w.git.HeadCommit(ctx, workdir)
	if err != nil {
		head = ""
	}

	// Succeeded.
	rec.record(types.EventPRCreated, map[string]interface{}{
		"number":     pr.Number,
		"url":        pr.URL,
		"branch":     branch,
		"baseBranch": actx.BaseBranch,
		"headCommit": head,
		"attemptId":  actx.AttemptID,
	})
	rec.record(types.EventAttemptSucceeded, map[string]interface{}{
		"attemptId": actx.AttemptID,
		"prNumber":  pr.Number,
	})
	return nil
}

func (w *Worker) writeback(ctx context.Context, workdir, branch string, task *types.Task, actx *types.AttemptContext) error {
	backlogPath := filepath.Join(workdir, filepath.FromSlash(policy.BacklogPath))
	data, err := os.ReadFile(backlogPath)
	if err != nil {
		return err
	}

	updated, err := policy.MarkTaskCompleted(data, task.ID, &types.AttemptRecord{
		AttemptID:   actx.AttemptID,
		Branch:      branch,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(backlogPath, updated, 0644); err != nil {
		return err
	}

	if err := w.git.Add(ctx, workdir, false, policy.BacklogPath); err != nil {
		return err
	}
	if err := w.git.Commit(ctx, workdir, fmt.Sprintf("%s: mark completed (attempt %s)", task.ID, actx.AttemptID)); err != nil {
		return err
	}
	return w.git.Push(ctx, workdir, branch)
}

func (w *Worker) scratchDir(attemptID string) (string, error) {
	base := w.cfg.ScratchDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "leviathan", attemptID)
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// BranchName returns the in-flight fingerprint branch for an attempt.
func BranchName(taskID, attemptID string) string {
	return types.AgentBranchPrefix + taskID + "-" + attemptID
}

// CommitMessage is deterministic per (task, attempt).
func CommitMessage(taskID, attemptID string) string {
	return fmt.Sprintf("%s: automated change (attempt %s)", taskID, attemptID)
}

func prBody(task *types.Task, actx *types.AttemptContext) string {
	body := fmt.Sprintf("Automated attempt %s (number %d) for task `%s`.\n",
		actx.AttemptID, actx.AttemptNumber, task.ID)
	if len(task.AcceptanceCriteria) > 0 {
		body += "\nAcceptance criteria:\n"
		for _, c := range task.AcceptanceCriteria {
			body += "- " + c + "\n"
		}
	}
	return body
}

// terminalEventType distinguishes cancellation from failure: a cancelled
// context that is not past its deadline means the attempt was told to stop.
func terminalEventType(ctx context.Context) types.EventType {
	if ctx.Err() == context.Canceled {
		return types.EventAttemptCancelled
	}
	return types.EventAttemptFailed
}

func terminalStatus(ctx context.Context) types.AttemptStatus {
	switch ctx.Err() {
	case context.Canceled:
		return types.AttemptStatusCancelled
	case context.DeadlineExceeded:
		return types.AttemptStatusTimedOut
	}
	return types.AttemptStatusFailed
}

// classifyTerminal maps an execution error to (failureKind, errorSummary).
func classifyTerminal(ctx context.Context, err error) (types.FailureKind, string) {
	if ctx.Err() == context.DeadlineExceeded || errdefs.IsKind(err, errdefs.KindTimeout) {
		return types.FailureTimeout, summary(err)
	}

	kindByStep := map[string]types.FailureKind{
		"clone":             types.FailureClone,
		"create branch":     types.FailureClone,
		"execute editor":    types.FailureExecute,
		"stage":             types.FailureExecute,
		"commit":            types.FailureExecute,
		"push":              types.FailurePush,
		"open pr":           types.FailurePROpen,
		"backlog writeback": types.FailureBacklogWriteback,
	}
	msg := err.Error()
	for step, kind := range kindByStep {
		if len(msg) >= len(step) && msg[:len(step)] == step {
			if kind == types.FailureClone && errdefs.IsKind(err, errdefs.KindAuthFailed) {
				return types.FailureAuth, summary(err)
			}
			return kind, summary(err)
		}
	}

	if errdefs.IsKind(err, errdefs.KindScopeViolation) {
		return types.FailureScopeViolation, summary(err)
	}
	if errdefs.IsKind(err, errdefs.KindAuthFailed) {
		return types.FailureAuth, summary(err)
	}
	return types.FailureExecute, summary(err)
}

func summary(err error) string {
	const max = 300
	s := err.Error()
	if len(s) > max {
		s = s[:max]
	}
	return s
}
