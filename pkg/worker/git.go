package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
)

// Git is the porcelain surface the worker needs. Implementations operate on
// one working tree at a time; the worker owns the scratch directory.
type Git interface {
	CloneShallow(ctx context.Context, repoURL, branch, dir string) error
	CreateBranch(ctx context.Context, dir, branch string) error
	Add(ctx context.Context, dir string, force bool, paths ...string) error
	Commit(ctx context.Context, dir, message string) error
	Push(ctx context.Context, dir, branch string) error
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// ExecGit shells out to the git binary.
type ExecGit struct{}

// NewExecGit returns a Git backed by the git binary on PATH.
func NewExecGit() *ExecGit {
	return &ExecGit{}
}

func (g *ExecGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", errdefs.Wrap(errdefs.KindTimeout, "git "+args[0], ctx.Err())
		}
		return "", classifyGitError(args[0], out.String(), err)
	}
	return out.String(), nil
}

// classifyGitError maps git output onto the error taxonomy. Credential
// rejections look the same for clone and push, so both funnel through here.
func classifyGitError(op, output string, err error) error {
	lower := strings.ToLower(output)
	msg := fmt.Sprintf("git %s: %s", op, strings.TrimSpace(firstLine(output)))
	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "invalid credentials"),
		strings.Contains(lower, "403"):
		return errdefs.Wrap(errdefs.KindAuthFailed, msg, err)
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "connection refused"):
		return errdefs.Wrap(errdefs.KindTransportFailed, msg, err)
	default:
		return errdefs.Wrap(errdefs.KindInternal, msg, err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// CloneShallow clones a single branch at depth 1.
func (g *ExecGit) CloneShallow(ctx context.Context, repoURL, branch, dir string) error {
	_, err := g.run(ctx, "", "clone", "--depth", "1", "--single-branch", "--branch", branch, repoURL, dir)
	return err
}

// CreateBranch creates and switches to a new branch at HEAD.
func (g *ExecGit) CreateBranch(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "checkout", "-b", branch)
	return err
}

// Add stages the given paths. force includes paths that are gitignored.
func (g *ExecGit) Add(ctx context.Context, dir string, force bool, paths ...string) error {
	args := []string{"add"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "--")
	args = append(args, paths...)
	_, err := g.run(ctx, dir, args...)
	return err
}

// Commit records staged changes with the given message.
func (g *ExecGit) Commit(ctx context.Context, dir, message string) error {
	_, err := g.run(ctx, dir,
		"-c", "user.name=leviathan",
		"-c", "user.email=leviathan@localhost",
		"commit", "-m", message)
	return err
}

// Push pushes the branch to origin. The branch must not exist on the remote;
// a collision is fatal for the attempt.
func (g *ExecGit) Push(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "push", "origin", branch)
	return err
}

// HeadCommit returns the current HEAD sha.
func (g *ExecGit) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TokenURL embeds credentials into an HTTPS clone URL:
// https://<user>:<token>@host/owner/repo.git. The token never appears in
// events or logs; it lives only in the process environment and this URL.
func TokenURL(repoURL, user, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindValidationFailed, "parse repo url", err)
	}
	if u.Scheme != "https" {
		return "", errdefs.Newf(errdefs.KindValidationFailed, "repo url must be https, got %q", u.Scheme)
	}
	u.User = url.UserPassword(user, token)
	return u.String(), nil
}
