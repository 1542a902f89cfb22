package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// PRHost opens pull requests on the target's hosting service.
type PRHost interface {
	// EnsurePR opens a PR from head into base, or returns the already-open PR
	// with the same head branch.
	EnsurePR(ctx context.Context, repoURL, head, base, title, body string) (*types.PullRequest, error)

	// ListOpenPRs returns every PR currently open on the repository.
	ListOpenPRs(ctx context.Context, repoURL string) ([]*types.PullRequest, error)

	// GetPR fetches one PR regardless of state, with merged/closed times set.
	GetPR(ctx context.Context, repoURL string, number int) (*types.PullRequest, error)
}

// GitHubHost talks to a GitHub-style REST API.
type GitHubHost struct {
	apiBase string
	token   string
	client  *http.Client
}

// NewGitHubHost creates a PR host client. apiBase defaults to the public
// GitHub API when empty.
func NewGitHubHost(apiBase, token string) *GitHubHost {
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	return &GitHubHost{
		apiBase: strings.TrimSuffix(apiBase, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type ghPullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	CreatedAt time.Time  `json:"created_at"`
	MergedAt  *time.Time `json:"merged_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

func (pr *ghPullRequest) toPullRequest(targetID string) *types.PullRequest {
	out := &types.PullRequest{
		Number:     pr.Number,
		URL:        pr.HTMLURL,
		TargetID:   targetID,
		BranchName: pr.Head.Ref,
		BaseBranch: pr.Base.Ref,
		HeadCommit: pr.Head.SHA,
		OpenedAt:   pr.CreatedAt,
	}
	if pr.MergedAt != nil {
		out.MergedAt = *pr.MergedAt
	}
	if pr.ClosedAt != nil {
		out.ClosedAt = *pr.ClosedAt
	}
	return out
}

// EnsurePR creates the PR, resolving "head branch already has a PR" answers
// by fetching and reusing the open one.
func (h *GitHubHost) EnsurePR(ctx context.Context, repoURL, head, base, title, body string) (*types.PullRequest, error) {
	owner, repo, err := ownerRepo(repoURL)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pr request: %w", err)
	}

	status, data, err := h.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/repos/%s/%s/pulls", h.apiBase, owner, repo), payload)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusCreated:
		var pr ghPullRequest
		if err := json.Unmarshal(data, &pr); err != nil {
			return nil, fmt.Errorf("decode pr response: %w", err)
		}
		return pr.toPullRequest(""), nil
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return h.findOpen(ctx, owner, repo, head)
	default:
		return nil, statusError(status, data)
	}
}

// ListOpenPRs pages through the repository's open pull requests. The hosting
// service is the authority on what is open; callers must not trust a local
// view for cap decisions.
func (h *GitHubHost) ListOpenPRs(ctx context.Context, repoURL string) ([]*types.PullRequest, error) {
	owner, repo, err := ownerRepo(repoURL)
	if err != nil {
		return nil, err
	}

	var out []*types.PullRequest
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("state", "open")
		q.Set("per_page", "100")
		q.Set("page", fmt.Sprintf("%d", page))

		status, data, err := h.do(ctx, http.MethodGet,
			fmt.Sprintf("%s/repos/%s/%s/pulls?%s", h.apiBase, owner, repo, q.Encode()), nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, statusError(status, data)
		}

		var prs []ghPullRequest
		if err := json.Unmarshal(data, &prs); err != nil {
			return nil, fmt.Errorf("decode pr list: %w", err)
		}
		for _, pr := range prs {
			out = append(out, pr.toPullRequest(""))
		}
		if len(prs) < 100 {
			return out, nil
		}
	}
}

// GetPR fetches one pull request, open or not.
func (h *GitHubHost) GetPR(ctx context.Context, repoURL string, number int) (*types.PullRequest, error) {
	owner, repo, err := ownerRepo(repoURL)
	if err != nil {
		return nil, err
	}

	status, data, err := h.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/%s/pulls/%d", h.apiBase, owner, repo, number), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, data)
	}

	var pr ghPullRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("decode pr response: %w", err)
	}
	return pr.toPullRequest(""), nil
}

func (h *GitHubHost) findOpen(ctx context.Context, owner, repo, head string) (*types.PullRequest, error) {
	q := url.Values{}
	q.Set("head", owner+":"+head)
	q.Set("state", "open")

	status, data, err := h.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/%s/pulls?%s", h.apiBase, owner, repo, q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, data)
	}

	var prs []ghPullRequest
	if err := json.Unmarshal(data, &prs); err != nil {
		return nil, fmt.Errorf("decode pr list: %w", err)
	}
	if len(prs) == 0 {
		return nil, errdefs.Newf(errdefs.KindConflict, "pr for head %s reported existing but not found open", head)
	}
	return prs[0].toPullRequest(""), nil
}

func (h *GitHubHost) do(ctx context.Context, method, rawURL string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errdefs.Wrap(errdefs.KindTimeout, "pr host request", ctx.Err())
		}
		return 0, nil, errdefs.Wrap(errdefs.KindTransportFailed, "pr host request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, errdefs.Wrap(errdefs.KindTransportFailed, "read pr host response", err)
	}
	return resp.StatusCode, data, nil
}

func statusError(status int, data []byte) error {
	msg := fmt.Sprintf("pr host returned %d: %s", status, strings.TrimSpace(firstLine(string(data))))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errdefs.New(errdefs.KindAuthFailed, msg)
	case status == http.StatusTooManyRequests:
		return errdefs.New(errdefs.KindRateLimited, msg)
	case status == http.StatusNotFound:
		return errdefs.New(errdefs.KindNotFound, msg)
	case status >= 500:
		return errdefs.New(errdefs.KindTransportFailed, msg)
	default:
		return errdefs.New(errdefs.KindInternal, msg)
	}
}

// ownerRepo extracts owner and repository name from an HTTPS clone URL.
func ownerRepo(repoURL string) (string, string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", errdefs.Wrap(errdefs.KindValidationFailed, "parse repo url", err)
	}
	parts := strings.Split(strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errdefs.Newf(errdefs.KindValidationFailed, "repo url %q has no owner/repo path", repoURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
