package projection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/journal"
	"github.com/leviathan-sh/leviathan/pkg/log"
	"github.com/leviathan-sh/leviathan/pkg/metrics"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

const catchUpInterval = 2 * time.Second

// Summary is the aggregate view served by the API.
type Summary struct {
	LastAppliedSeq  uint64         `json:"lastAppliedSeq"`
	Targets         int            `json:"targets"`
	Tasks           int            `json:"tasks"`
	Attempts        int            `json:"attempts"`
	AttemptsByState map[string]int `json:"attemptsByState"`
	OpenPRs         int            `json:"openPrs"`
	Artifacts       int            `json:"artifacts"`
	Edges           int            `json:"edges"`
}

// Options configures a Projector.
type Options struct {
	// RebuildOnStart discards any persisted snapshot and replays the journal
	// from genesis.
	RebuildOnStart bool
}

// Projector is the single writer of the graph. It folds journal events in
// sequence order; readers take the read lock and may observe a snapshot that
// is stale but never torn. Broker notifications trigger catch-up, with a
// ticker as fallback.
type Projector struct {
	journal  journal.Journal
	broker   *journal.Broker
	snapshot *SnapshotStore

	mu             sync.RWMutex
	graph          *Graph
	lastAppliedSeq uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProjector creates a projector over the journal. broker and snapshot may
// be nil (tests fold directly; an in-memory projection needs no persistence).
func NewProjector(j journal.Journal, broker *journal.Broker, snapshot *SnapshotStore, opts Options) (*Projector, error) {
	p := &Projector{
		journal:  j,
		broker:   broker,
		snapshot: snapshot,
		graph:    NewGraph(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if snapshot != nil {
		if opts.RebuildOnStart {
			if err := snapshot.Reset(); err != nil {
				return nil, err
			}
		} else {
			g, seq, err := snapshot.Load()
			if err != nil {
				// A snapshot that fails to decode is rebuilt, never trusted.
				log.WithComponent("projection").Warn().Err(err).Msg("snapshot unreadable, rebuilding from journal")
				if err := snapshot.Reset(); err != nil {
					return nil, err
				}
			} else {
				p.graph = g
				p.lastAppliedSeq = seq
			}
		}
	}
	return p, nil
}

// Start launches the catch-up loop.
func (p *Projector) Start(ctx context.Context) error {
	if err := p.CatchUp(ctx); err != nil {
		return err
	}

	var sub journal.Subscriber
	if p.broker != nil {
		sub = p.broker.Subscribe()
	}

	go p.run(sub)
	log.WithComponent("projection").Info().Uint64("last_applied_seq", p.LastAppliedSeq()).Msg("projector started")
	return nil
}

// Stop stops the catch-up loop and persists a final snapshot.
func (p *Projector) Stop() {
	close(p.stopCh)
	<-p.doneCh
	p.persist()
}

func (p *Projector) run(sub journal.Subscriber) {
	defer close(p.doneCh)

	ticker := time.NewTicker(catchUpInterval)
	defer ticker.Stop()

	var notify <-chan *journal.SequencedEvent
	if sub != nil {
		notify = sub
		defer p.broker.Unsubscribe(sub)
	}

	for {
		select {
		case <-notify:
		case <-ticker.C:
		case <-p.stopCh:
			return
		}
		if err := p.CatchUp(context.Background()); err != nil {
			log.WithComponent("projection").Error().Err(err).Msg("catch-up failed")
		}
	}
}

// CatchUp folds all journal events past the last applied sequence.
func (p *Projector) CatchUp(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	events, err := p.journal.Range(ctx, journal.RangeOpts{SinceSeq: p.lastAppliedSeq})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	for _, se := range events {
		p.graph.Apply(se.Event)
		p.lastAppliedSeq = se.Seq
		metrics.ProjectionEventsApplied.WithLabelValues(string(se.Event.EventType)).Inc()
	}
	metrics.ProjectionAppliedSeq.Set(float64(p.lastAppliedSeq))

	if p.snapshot != nil {
		if err := p.snapshot.Save(p.graph, p.lastAppliedSeq); err != nil {
			log.WithComponent("projection").Error().Err(err).Msg("snapshot save failed")
		}
	}
	return nil
}

func (p *Projector) persist() {
	if p.snapshot == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.snapshot.Save(p.graph, p.lastAppliedSeq); err != nil {
		log.WithComponent("projection").Error().Err(err).Msg("final snapshot save failed")
	}
}

// LastAppliedSeq returns the sequence the projection currently reflects.
func (p *Projector) LastAppliedSeq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAppliedSeq
}

// Summary returns aggregate counts over the graph.
func (p *Projector) Summary() *Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byState := make(map[string]int)
	for _, a := range p.graph.Attempts {
		byState[string(a.Status)]++
	}
	openPRs := 0
	for _, pr := range p.graph.PRs {
		if pr.Open() {
			openPRs++
		}
	}

	return &Summary{
		LastAppliedSeq:  p.lastAppliedSeq,
		Targets:         len(p.graph.Targets),
		Tasks:           len(p.graph.Tasks),
		Attempts:        len(p.graph.Attempts),
		AttemptsByState: byState,
		OpenPRs:         openPRs,
		Artifacts:       len(p.graph.Artifacts),
		Edges:           len(p.graph.Edges),
	}
}

// Attempt returns one attempt by id.
func (p *Projector) Attempt(id string) (*types.Attempt, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.graph.Attempts[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "attempt %s not found", id)
	}
	clone := *a
	return &clone, nil
}

// Attempts lists attempts, optionally filtered by target, most recent first.
func (p *Projector) Attempts(targetID string, limit int) []*types.Attempt {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*types.Attempt
	for _, a := range p.graph.Attempts {
		if targetID != "" && a.TargetID != targetID {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// OpenPRsForTarget returns open agent-branch PRs on the target.
func (p *Projector) OpenPRsForTarget(targetID string) []*types.PullRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()

	prs := p.graph.openAgentPRs(targetID)
	out := make([]*types.PullRequest, len(prs))
	for i, pr := range prs {
		clone := *pr
		out[i] = &clone
	}
	return out
}

// RecentFailures returns failed or timed-out attempts, most recent first.
func (p *Projector) RecentFailures(targetID string, limit int) []*types.Attempt {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*types.Attempt
	for _, a := range p.graph.Attempts {
		if targetID != "" && a.TargetID != targetID {
			continue
		}
		if a.Status != types.AttemptStatusFailed && a.Status != types.AttemptStatusTimedOut {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.After(out[j].CompletedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AttemptsForTask returns non-invalidated attempts for a task in attempt
// order. The scheduler's retry cap counts this list, running attempts
// included.
func (p *Projector) AttemptsForTask(targetID, taskID string) []*types.Attempt {
	p.mu.RLock()
	defer p.mu.RUnlock()

	attempts := p.graph.attemptsForTask(targetID, taskID)
	out := make([]*types.Attempt, len(attempts))
	for i, a := range attempts {
		clone := *a
		out[i] = &clone
	}
	return out
}

// ArtifactsForAttempt returns the artifact refs an attempt produced, in
// stable digest order.
func (p *Projector) ArtifactsForAttempt(id string) []*types.ArtifactRef {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*types.ArtifactRef
	for _, e := range p.graph.Edges {
		if e.Kind != EdgeProduced || e.From != id {
			continue
		}
		if ref, ok := p.graph.Artifacts[e.To]; ok {
			clone := *ref
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SHA256 < out[j].SHA256 })
	return out
}

// ConsecutiveFailures returns the circuit counter for a target.
func (p *Projector) ConsecutiveFailures(targetID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.graph.consecutiveFailures(targetID)
}

// RunningAttempts returns the number of non-terminal attempts on a target.
func (p *Projector) RunningAttempts(targetID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.graph.runningAttempts(targetID)
}
