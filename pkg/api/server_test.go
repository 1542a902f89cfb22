package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/journal"
	"github.com/leviathan-sh/leviathan/pkg/projection"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

const testToken = "test-token"

type apiFixture struct {
	server    *Server
	ts        *httptest.Server
	journal   *journal.FileJournal
	projector *projection.Projector
	dir       string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	dir := t.TempDir()
	j, err := journal.OpenFileJournal(dir)
	require.NoError(t, err)

	p, err := projection.NewProjector(j, nil, nil, projection.Options{})
	require.NoError(t, err)

	checker := autonomy.NewChecker(filepath.Join(t.TempDir(), "autonomy.yaml"))
	s := NewServer(j, nil, p, checker, Config{Token: testToken})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{server: s, ts: ts, journal: j, projector: p, dir: dir}
}

func (f *apiFixture) request(t *testing.T, method, path string, body interface{}, token string) (*http.Response, []byte) {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func testBundle(target string, events ...*types.Event) *types.Bundle {
	return &types.Bundle{
		BundleID: uuid.New().String(),
		Target:   target,
		Events:   events,
	}
}

func attemptEvents(attemptID, taskID string) []*types.Event {
	return []*types.Event{
		{
			EventID:   uuid.New().String(),
			EventType: types.EventAttemptCreated,
			Timestamp: time.Now().UTC(),
			ActorID:   "test",
			Payload:   map[string]interface{}{"attemptId": attemptID, "taskId": taskID, "attemptNumber": 1},
		},
		{
			EventID:   uuid.New().String(),
			EventType: types.EventAttemptStarted,
			Timestamp: time.Now().UTC(),
			ActorID:   "test",
			Payload:   map[string]interface{}{"attemptId": attemptID},
		},
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.request(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.request(t, http.MethodGet, "/v1/graph/summary", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.request(t, http.MethodGet, "/v1/graph/summary", nil, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "AuthFailed")

	resp, _ = f.request(t, http.MethodGet, "/v1/graph/summary", nil, testToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestAcceptedWithTip(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", attemptEvents("a1", "k1")...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out IngestResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, uint64(1), out.FirstSeq)
	assert.Equal(t, uint64(2), out.LastSeq)
	assert.Equal(t, uint64(2), out.TipSeq)
	assert.Len(t, out.TipHash, 64)
}

func TestIngestDuplicateEventIDConflict(t *testing.T) {
	f := newAPIFixture(t)

	events := attemptEvents("a1", "k1")
	resp, _ := f.request(t, http.MethodPost, "/v1/events/ingest", testBundle("demo", events...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Identical event ids in a fresh bundle: well-defined conflict.
	resp, body := f.request(t, http.MethodPost, "/v1/events/ingest", testBundle("demo", events...), testToken)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "Conflict")
}

func TestIngestUnknownEventType(t *testing.T) {
	f := newAPIFixture(t)

	bundle := testBundle("demo", &types.Event{
		EventID:   uuid.New().String(),
		EventType: "attempt.teleported",
		Timestamp: time.Now().UTC(),
		ActorID:   "test",
		Payload:   map[string]interface{}{},
	})
	resp, _ := f.request(t, http.MethodPost, "/v1/events/ingest", bundle, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsRangeAndTip(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", attemptEvents("a1", "k1")...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := f.request(t, http.MethodGet, "/v1/events?sinceSeq=0", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events EventsResponse
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, uint64(1), events.Events[0].Seq)
	assert.Equal(t, types.EventAttemptCreated, events.Events[0].Event.EventType)
	assert.NotEmpty(t, events.Events[1].Event.Hash)

	resp, body = f.request(t, http.MethodGet, "/v1/events?sinceSeq=1&limit=1", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events.Events, 1)
	assert.Equal(t, uint64(2), events.Events[0].Seq)

	resp, _ = f.request(t, http.MethodGet, "/v1/events?sinceSeq=abc", nil, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.request(t, http.MethodGet, "/v1/events/tip", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tip journal.Tip
	require.NoError(t, json.Unmarshal(body, &tip))
	assert.Equal(t, uint64(2), tip.Seq)
	assert.Len(t, tip.Hash, 64)
}

func TestAttemptLookup(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.request(t, http.MethodGet, "/v1/attempts/ghost", nil, testToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	events := attemptEvents("a1", "k1")
	events = append(events, &types.Event{
		EventID:   uuid.New().String(),
		EventType: types.EventArtifactCreated,
		Timestamp: time.Now().UTC(),
		ActorID:   "test",
		Payload: map[string]interface{}{
			"attemptId": "a1",
			"sha256":    strings.Repeat("ab", 32),
			"kind":      "log",
			"size":      128,
		},
	})
	resp, _ = f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", events...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, f.projector.CatchUp(context.Background()))

	resp, body := f.request(t, http.MethodGet, "/v1/attempts/a1", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// One lookup answers "what happened to this attempt": the node, its
	// journal history in order, and the artifacts it produced.
	var d AttemptDetail
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, "a1", d.Attempt.ID)
	assert.Equal(t, types.AttemptStatusRunning, d.Attempt.Status)

	require.Len(t, d.Events, 3)
	assert.Equal(t, types.EventAttemptCreated, d.Events[0].Event.EventType)
	assert.Equal(t, types.EventAttemptStarted, d.Events[1].Event.EventType)
	assert.Equal(t, types.EventArtifactCreated, d.Events[2].Event.EventType)
	assert.Less(t, d.Events[0].Seq, d.Events[1].Seq)

	require.Len(t, d.Artifacts, 1)
	assert.Equal(t, "log", d.Artifacts[0].Kind)
	assert.Equal(t, strings.Repeat("ab", 32), d.Artifacts[0].SHA256)
}

func TestIngestPublishesChainedEvents(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.OpenFileJournal(dir)
	require.NoError(t, err)
	p, err := projection.NewProjector(j, nil, nil, projection.Options{})
	require.NoError(t, err)

	broker := journal.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	checker := autonomy.NewChecker(filepath.Join(t.TempDir(), "autonomy.yaml"))
	s := NewServer(j, broker, p, checker, Config{Token: testToken})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	f := &apiFixture{server: s, ts: ts, journal: j, projector: p, dir: dir}

	resp, _ := f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", attemptEvents("a1", "k1")...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Subscribers see what the journal persisted: sequence, hash, and target
	// stamped, not the raw request events.
	for want := uint64(1); want <= 2; want++ {
		select {
		case se := <-sub:
			assert.Equal(t, want, se.Seq)
			assert.Len(t, se.Event.Hash, 64)
			assert.NotEmpty(t, se.Event.PrevHash)
			assert.Equal(t, "demo", se.Event.TargetID)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never reached the subscriber", want)
		}
	}
}

func TestAttemptsListAndFailures(t *testing.T) {
	f := newAPIFixture(t)

	events := attemptEvents("a1", "k1")
	events = append(events, &types.Event{
		EventID:   uuid.New().String(),
		EventType: types.EventAttemptFailed,
		Timestamp: time.Now().UTC(),
		ActorID:   "test",
		Payload:   map[string]interface{}{"attemptId": "a1", "failureKind": "execute", "errorSummary": "boom"},
	})
	resp, _ := f.request(t, http.MethodPost, "/v1/events/ingest", testBundle("demo", events...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, f.projector.CatchUp(context.Background()))

	resp, body := f.request(t, http.MethodGet, "/v1/attempts?target=demo&limit=10", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "a1")

	resp, body = f.request(t, http.MethodGet, "/v1/failures?target=demo", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "execute")

	resp, _ = f.request(t, http.MethodGet, "/v1/attempts?limit=bogus", nil, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidateAttempt(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	resp, _ := f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", attemptEvents("a1", "k1")...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, f.projector.CatchUp(ctx))

	resp, _ = f.request(t, http.MethodPost, "/v1/attempts/a1/invalidate",
		InvalidateRequest{Reason: "flaky infra"}, testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, f.projector.CatchUp(ctx))

	a, err := f.projector.Attempt("a1")
	require.NoError(t, err)
	assert.True(t, a.Invalidated)

	// Idempotent: invalidating again is accepted and changes nothing.
	resp, _ = f.request(t, http.MethodPost, "/v1/attempts/a1/invalidate",
		InvalidateRequest{Reason: "again"}, testToken)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/v1/attempts/a1/invalidate",
		InvalidateRequest{}, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "reason is required")

	resp, _ = f.request(t, http.MethodPost, "/v1/attempts/ghost/invalidate",
		InvalidateRequest{Reason: "x"}, testToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAutonomyStatusDefault(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.request(t, http.MethodGet, "/v1/autonomy/status", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap autonomy.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.True(t, snap.AutonomyEnabled)
	assert.Equal(t, "default(configMissing)", snap.Source)
}

func TestIntegrityAlarmLatch(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", attemptEvents("a1", "k1")...), testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Tamper with the journal on disk.
	segment := filepath.Join(f.dir, fmt.Sprintf("segment-%06d.ndjson", 1))
	data, err := os.ReadFile(segment)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"taskId":"k1"`, `"taskId":"k9"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(segment, []byte(tampered), 0644))

	resp, body := f.request(t, http.MethodPost, "/v1/admin/verify-chain", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var verify VerifyChainResponse
	require.NoError(t, json.Unmarshal(body, &verify))
	assert.False(t, verify.OK)
	assert.True(t, verify.Alarmed)
	assert.Equal(t, uint64(1), verify.BadSeq)

	// Latched: ingestion refused until acknowledged.
	resp, body = f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", attemptEvents("a2", "k2")...), testToken)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "IntegrityAlarm")

	resp, _ = f.request(t, http.MethodPost, "/v1/admin/ack-integrity", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.server.Alarmed())

	resp, _ = f.request(t, http.MethodPost, "/v1/events/ingest",
		testBundle("demo", attemptEvents("a3", "k3")...), testToken)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}
