package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
)

func TestGitHubHostListOpenPRs(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/repos/acme/demo/pulls", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"number":7,"state":"open","head":{"ref":"agent/k-a1"},"base":{"ref":"main"}}]`))
	}))
	defer ts.Close()

	h := NewGitHubHost(ts.URL, "tok")
	prs, err := h.ListOpenPRs(context.Background(), "https://github.com/acme/demo.git")
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 7, prs[0].Number)
	assert.Equal(t, "agent/k-a1", prs[0].BranchName)
	assert.Equal(t, 1, calls, "a short page ends the listing")
}

func TestGitHubHostGetPRStates(t *testing.T) {
	doneAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repos/acme/demo/pulls/7":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"number": 7, "state": "closed", "merged_at": doneAt, "closed_at": doneAt,
			})
		case "/repos/acme/demo/pulls/9":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"number": 9, "state": "closed", "closed_at": doneAt,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	defer ts.Close()

	h := NewGitHubHost(ts.URL, "tok")
	repoURL := "https://github.com/acme/demo.git"

	pr, err := h.GetPR(context.Background(), repoURL, 7)
	require.NoError(t, err)
	assert.True(t, pr.MergedAt.Equal(doneAt), "merged_at distinguishes merged from closed")

	pr, err = h.GetPR(context.Background(), repoURL, 9)
	require.NoError(t, err)
	assert.True(t, pr.MergedAt.IsZero())
	assert.True(t, pr.ClosedAt.Equal(doneAt))

	_, err = h.GetPR(context.Background(), repoURL, 404)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}
