package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathan-sh/leviathan/pkg/api"
	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/journal"
	"github.com/leviathan-sh/leviathan/pkg/projection"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

func newTestStack(t *testing.T) (*Client, *projection.Projector) {
	t.Helper()

	j, err := journal.OpenFileJournal(t.TempDir())
	require.NoError(t, err)
	p, err := projection.NewProjector(j, nil, nil, projection.Options{})
	require.NoError(t, err)

	checker := autonomy.NewChecker(filepath.Join(t.TempDir(), "autonomy.yaml"))
	s := api.NewServer(j, nil, p, checker, api.Config{Token: "tok"})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	return New(ts.URL, "tok"), p
}

func bundleWith(events ...*types.Event) *types.Bundle {
	return &types.Bundle{BundleID: uuid.New().String(), Target: "demo", Events: events}
}

func ev(et types.EventType, payload map[string]interface{}) *types.Event {
	return &types.Event{
		EventID:   uuid.New().String(),
		EventType: et,
		Timestamp: time.Now().UTC(),
		ActorID:   "test",
		Payload:   payload,
	}
}

func TestClientSubmitAndQuery(t *testing.T) {
	c, p := newTestStack(t)
	ctx := context.Background()

	res, err := c.SubmitWithResult(ctx, bundleWith(
		ev(types.EventAttemptCreated, map[string]interface{}{"attemptId": "a1", "taskId": "k", "attemptNumber": 1}),
		ev(types.EventAttemptStarted, map[string]interface{}{"attemptId": "a1"}),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.FirstSeq)
	assert.Len(t, res.TipHash, 64)

	require.NoError(t, p.CatchUp(ctx))

	d, err := c.Attempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStatusRunning, d.Attempt.Status)
	require.Len(t, d.Events, 2)
	assert.Equal(t, types.EventAttemptCreated, d.Events[0].Event.EventType)
	assert.Equal(t, types.EventAttemptStarted, d.Events[1].Event.EventType)

	attempts, err := c.Attempts(ctx, "demo", 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	summary, err := c.GraphSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempts)

	snap, err := c.AutonomyStatus(ctx)
	require.NoError(t, err)
	assert.True(t, snap.AutonomyEnabled)
}

func TestClientKindedErrors(t *testing.T) {
	c, _ := newTestStack(t)
	ctx := context.Background()

	_, err := c.Attempt(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))

	wrongToken := New(c.baseURL, "bad")
	_, err = wrongToken.GraphSummary(ctx)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindAuthFailed, errdefs.KindOf(err))

	// Duplicate event ids surface as Conflict across the wire.
	events := []*types.Event{ev(types.EventAttemptCreated, map[string]interface{}{"attemptId": "a1"})}
	require.NoError(t, c.Submit(ctx, bundleWith(events...)))
	err = c.Submit(ctx, bundleWith(events...))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestRemoteJournalFeedsProjection(t *testing.T) {
	c, _ := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, bundleWith(
		ev(types.EventAttemptCreated, map[string]interface{}{"attemptId": "a1", "taskId": "k", "attemptNumber": 1}),
		ev(types.EventAttemptStarted, map[string]interface{}{"attemptId": "a1"}),
	)))

	// A follower process folds the same stream over the wire.
	follower, err := projection.NewProjector(c.Journal(), nil, nil, projection.Options{})
	require.NoError(t, err)
	require.NoError(t, follower.CatchUp(ctx))

	assert.Equal(t, uint64(2), follower.LastAppliedSeq())
	a, err := follower.Attempt("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStatusRunning, a.Status)
	assert.Equal(t, "demo", a.TargetID)

	tip, err := c.Journal().Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tip.Seq)

	report, err := c.Journal().VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestClientInvalidate(t *testing.T) {
	c, p := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, bundleWith(
		ev(types.EventAttemptCreated, map[string]interface{}{"attemptId": "a1", "taskId": "k", "attemptNumber": 1}),
	)))
	require.NoError(t, p.CatchUp(ctx))

	require.NoError(t, c.Invalidate(ctx, "a1", "flaky"))
	require.NoError(t, p.CatchUp(ctx))

	d, err := c.Attempt(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, d.Attempt.Invalidated)

	err = c.Invalidate(ctx, "a1", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidationFailed, errdefs.KindOf(err))
}
