package projection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leviathan-sh/leviathan/pkg/types"
)

// EdgeKind labels a relation between two graph nodes
type EdgeKind string

const (
	EdgeHasTask    EdgeKind = "hasTask"    // target -> task
	EdgeHasAttempt EdgeKind = "hasAttempt" // task -> attempt
	EdgeProposes   EdgeKind = "proposes"   // attempt -> pr
	EdgeProduced   EdgeKind = "produced"   // attempt -> artifact
)

// Edge is one (from, to, kind) triple. Nodes reference each other through the
// arena by id only; there are no owning pointers between them.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// TaskNode is the projection's view of a declared task.
type TaskNode struct {
	Key      string             `json:"key"` // targetID/taskID
	TargetID string             `json:"targetId"`
	TaskID   string             `json:"taskId"`
	Title    string             `json:"title"`
	Status   types.TaskStatus   `json:"status"`
	Priority types.TaskPriority `json:"priority"`
}

// Graph is the arena of all projection nodes plus the edge set. Folding an
// event mutates the graph through the handler table; nothing else does. The
// fold is deterministic: the same event sequence always yields the same graph.
type Graph struct {
	Targets   map[string]*types.Target      `json:"targets"`
	Tasks     map[string]*TaskNode          `json:"tasks"`    // key targetID/taskID
	Attempts  map[string]*types.Attempt     `json:"attempts"` // key attemptID
	PRs       map[string]*types.PullRequest `json:"prs"`      // key targetID/number
	Artifacts map[string]*types.ArtifactRef `json:"artifacts"`
	Edges     []Edge                        `json:"edges"`

	// TerminalOrder records, per target, attempt ids in the order their
	// terminal events were applied. Circuit counting walks it backwards.
	TerminalOrder map[string][]string `json:"terminalOrder"`

	// FetchFailStreak counts backlog fetch failures per target since the last
	// successful attempt. Fetch failures contribute to the circuit.
	FetchFailStreak map[string]int `json:"fetchFailStreak"`
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Targets:         make(map[string]*types.Target),
		Tasks:           make(map[string]*TaskNode),
		Attempts:        make(map[string]*types.Attempt),
		PRs:             make(map[string]*types.PullRequest),
		Artifacts:       make(map[string]*types.ArtifactRef),
		TerminalOrder:   make(map[string][]string),
		FetchFailStreak: make(map[string]int),
	}
}

// normalize replaces nil maps after JSON decoding.
func (g *Graph) normalize() {
	if g.Targets == nil {
		g.Targets = make(map[string]*types.Target)
	}
	if g.Tasks == nil {
		g.Tasks = make(map[string]*TaskNode)
	}
	if g.Attempts == nil {
		g.Attempts = make(map[string]*types.Attempt)
	}
	if g.PRs == nil {
		g.PRs = make(map[string]*types.PullRequest)
	}
	if g.Artifacts == nil {
		g.Artifacts = make(map[string]*types.ArtifactRef)
	}
	if g.TerminalOrder == nil {
		g.TerminalOrder = make(map[string][]string)
	}
	if g.FetchFailStreak == nil {
		g.FetchFailStreak = make(map[string]int)
	}
}

type handler func(g *Graph, e *types.Event)

// handlers is the closed dispatch table: one entry per known event type.
var handlers = map[types.EventType]handler{
	types.EventTargetRegistered:   (*Graph).applyTargetRegistered,
	types.EventTargetUpdated:      (*Graph).applyTargetUpdated,
	types.EventTaskCreated:        (*Graph).applyTaskUpserted,
	types.EventTaskUpdated:        (*Graph).applyTaskUpserted,
	types.EventTaskCompleted:      (*Graph).applyTaskCompleted,
	types.EventAttemptCreated:     (*Graph).applyAttemptCreated,
	types.EventAttemptStarted:     (*Graph).applyAttemptStarted,
	types.EventAttemptSucceeded:   (*Graph).applyAttemptSucceeded,
	types.EventAttemptFailed:      (*Graph).applyAttemptFailed,
	types.EventAttemptCancelled:   (*Graph).applyAttemptCancelled,
	types.EventAttemptInvalidated: (*Graph).applyAttemptInvalidated,
	types.EventSchedulerSkipped:   (*Graph).applySchedulerSkipped,
	types.EventPRCreated:          (*Graph).applyPRCreated,
	types.EventPRMerged:           (*Graph).applyPRMerged,
	types.EventPRClosed:           (*Graph).applyPRClosed,
	types.EventArtifactCreated:    (*Graph).applyArtifactCreated,
}

// Apply folds one event into the graph. Unknown event types never reach the
// projector (the journal enforces the closed set), so they are ignored here.
func (g *Graph) Apply(e *types.Event) {
	if h, ok := handlers[e.EventType]; ok {
		h(g, e)
	}
}

func taskKey(targetID, taskID string) string {
	return targetID + "/" + taskID
}

func prKey(targetID string, number int) string {
	return fmt.Sprintf("%s/%d", targetID, number)
}

func (g *Graph) addEdge(from, to string, kind EdgeKind) {
	for _, e := range g.Edges {
		if e.From == from && e.To == to && e.Kind == kind {
			return
		}
	}
	g.Edges = append(g.Edges, Edge{From: from, To: to, Kind: kind})
}

func (g *Graph) applyTargetRegistered(e *types.Event) {
	g.Targets[e.TargetID] = &types.Target{
		ID:            e.TargetID,
		RepoURL:       e.PayloadString("repoUrl"),
		DefaultBranch: e.PayloadString("defaultBranch"),
		RegisteredAt:  e.Timestamp,
		UpdatedAt:     e.Timestamp,
	}
}

func (g *Graph) applyTargetUpdated(e *types.Event) {
	t, ok := g.Targets[e.TargetID]
	if !ok {
		g.applyTargetRegistered(e)
		return
	}
	if v := e.PayloadString("repoUrl"); v != "" {
		t.RepoURL = v
	}
	if v := e.PayloadString("defaultBranch"); v != "" {
		t.DefaultBranch = v
	}
	t.UpdatedAt = e.Timestamp
}

func (g *Graph) applyTaskUpserted(e *types.Event) {
	key := taskKey(e.TargetID, e.PayloadString("taskId"))
	node, ok := g.Tasks[key]
	if !ok {
		node = &TaskNode{
			Key:      key,
			TargetID: e.TargetID,
			TaskID:   e.PayloadString("taskId"),
			Status:   types.TaskStatusPending,
			Priority: types.PriorityNormal,
		}
		g.Tasks[key] = node
		g.addEdge(e.TargetID, key, EdgeHasTask)
	}
	if v := e.PayloadString("title"); v != "" {
		node.Title = v
	}
	if v := e.PayloadString("status"); v != "" {
		node.Status = types.TaskStatus(v)
	}
	if v := e.PayloadString("priority"); v != "" {
		node.Priority = types.TaskPriority(v)
	}
}

func (g *Graph) applyTaskCompleted(e *types.Event) {
	key := taskKey(e.TargetID, e.PayloadString("taskId"))
	if node, ok := g.Tasks[key]; ok {
		node.Status = types.TaskStatusCompleted
	}
}

func (g *Graph) applyAttemptCreated(e *types.Event) {
	id := e.PayloadString("attemptId")
	if id == "" || g.Attempts[id] != nil {
		return
	}
	a := &types.Attempt{
		ID:            id,
		TaskID:        e.PayloadString("taskId"),
		TargetID:      e.TargetID,
		AttemptNumber: e.PayloadInt("attemptNumber"),
		CreatedAt:     e.Timestamp,
		Status:        types.AttemptStatusCreated,
	}
	g.Attempts[id] = a
	g.addEdge(taskKey(e.TargetID, a.TaskID), id, EdgeHasAttempt)
}

// transition moves an attempt into a new status. Terminal states are final:
// an event arriving after a terminal status is ignored.
func (g *Graph) transition(e *types.Event, to types.AttemptStatus) *types.Attempt {
	a, ok := g.Attempts[e.PayloadString("attemptId")]
	if !ok || a.Status.Terminal() {
		return nil
	}
	a.Status = to
	if to == types.AttemptStatusRunning {
		a.StartedAt = e.Timestamp
	}
	if to.Terminal() {
		a.CompletedAt = e.Timestamp
		g.TerminalOrder[a.TargetID] = append(g.TerminalOrder[a.TargetID], a.ID)
	}
	if to == types.AttemptStatusSucceeded {
		delete(g.FetchFailStreak, a.TargetID)
	}
	return a
}

func (g *Graph) applyAttemptStarted(e *types.Event) {
	g.transition(e, types.AttemptStatusRunning)
}

func (g *Graph) applyAttemptSucceeded(e *types.Event) {
	if a := g.transition(e, types.AttemptStatusSucceeded); a != nil {
		if n := e.PayloadInt("prNumber"); n > 0 {
			a.PRNumber = n
		}
	}
}

func (g *Graph) applyAttemptFailed(e *types.Event) {
	status := types.AttemptStatusFailed
	kind := types.FailureKind(e.PayloadString("failureKind"))
	if kind == types.FailureTimeout {
		status = types.AttemptStatusTimedOut
	}
	if a := g.transition(e, status); a != nil {
		a.FailureKind = kind
		a.ErrorSummary = e.PayloadString("errorSummary")
	}
}

func (g *Graph) applyAttemptCancelled(e *types.Event) {
	g.transition(e, types.AttemptStatusCancelled)
}

// applyAttemptInvalidated is idempotent: invalidating twice is a no-op. The
// flag removes the attempt from retry-cap and circuit counting but the node
// and its history stay.
func (g *Graph) applyAttemptInvalidated(e *types.Event) {
	if a, ok := g.Attempts[e.PayloadString("attemptId")]; ok {
		a.Invalidated = true
	}
}

func (g *Graph) applySchedulerSkipped(e *types.Event) {
	// Most skips are observable history only. Fetch failures feed the circuit.
	if types.SkipReason(e.PayloadString("reason")) == types.SkipFetchError {
		g.FetchFailStreak[e.TargetID]++
	}
}

func (g *Graph) applyPRCreated(e *types.Event) {
	number := e.PayloadInt("number")
	key := prKey(e.TargetID, number)
	if g.PRs[key] != nil {
		return
	}
	g.PRs[key] = &types.PullRequest{
		Number:     number,
		URL:        e.PayloadString("url"),
		TargetID:   e.TargetID,
		BranchName: e.PayloadString("branch"),
		BaseBranch: e.PayloadString("baseBranch"),
		HeadCommit: e.PayloadString("headCommit"),
		OpenedAt:   e.Timestamp,
	}
	if attemptID := e.PayloadString("attemptId"); attemptID != "" {
		g.addEdge(attemptID, key, EdgeProposes)
		if a, ok := g.Attempts[attemptID]; ok && a.PRNumber == 0 {
			a.PRNumber = number
		}
	}
}

func (g *Graph) applyPRMerged(e *types.Event) {
	if pr, ok := g.PRs[prKey(e.TargetID, e.PayloadInt("number"))]; ok && pr.MergedAt.IsZero() {
		pr.MergedAt = e.Timestamp
	}
}

func (g *Graph) applyPRClosed(e *types.Event) {
	if pr, ok := g.PRs[prKey(e.TargetID, e.PayloadInt("number"))]; ok && pr.ClosedAt.IsZero() {
		pr.ClosedAt = e.Timestamp
	}
}

func (g *Graph) applyArtifactCreated(e *types.Event) {
	sha := e.PayloadString("sha256")
	if sha == "" || g.Artifacts[sha] != nil {
		return
	}
	g.Artifacts[sha] = &types.ArtifactRef{
		SHA256:   sha,
		Kind:     e.PayloadString("kind"),
		URI:      e.PayloadString("uri"),
		Size:     int64(e.PayloadInt("size")),
		MimeType: e.PayloadString("mimeType"),
	}
	if attemptID := e.PayloadString("attemptId"); attemptID != "" {
		g.addEdge(attemptID, sha, EdgeProduced)
	}
}

// openAgentPRs returns the open PRs on a target whose branch carries the
// agent prefix, sorted by PR number.
func (g *Graph) openAgentPRs(targetID string) []*types.PullRequest {
	var out []*types.PullRequest
	for _, pr := range g.PRs {
		if pr.TargetID != targetID || !pr.Open() {
			continue
		}
		if !strings.HasPrefix(pr.BranchName, types.AgentBranchPrefix) {
			continue
		}
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// attemptsForTask returns all non-invalidated attempts for the task in
// attempt-number order. This is the retry-cap basis: non-terminal attempts
// count, invalidated ones never do.
func (g *Graph) attemptsForTask(targetID, taskID string) []*types.Attempt {
	var out []*types.Attempt
	for _, a := range g.Attempts {
		if a.TargetID == targetID && a.TaskID == taskID && !a.Invalidated {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

// consecutiveFailures counts terminal failures since the last success on the
// target. Cancelled attempts do not count either way; invalidated attempts
// are cleared from the count retroactively.
func (g *Graph) consecutiveFailures(targetID string) int {
	order := g.TerminalOrder[targetID]
	count := g.FetchFailStreak[targetID]
	for i := len(order) - 1; i >= 0; i-- {
		a, ok := g.Attempts[order[i]]
		if !ok || a.Invalidated {
			continue
		}
		switch a.Status {
		case types.AttemptStatusSucceeded:
			return count
		case types.AttemptStatusFailed, types.AttemptStatusTimedOut:
			count++
		case types.AttemptStatusCancelled:
			// neutral
		}
	}
	return count
}

// runningAttempts counts attempts on the target that have not reached a
// terminal status.
func (g *Graph) runningAttempts(targetID string) int {
	count := 0
	for _, a := range g.Attempts {
		if a.TargetID == targetID && !a.Status.Terminal() {
			count++
		}
	}
	return count
}
