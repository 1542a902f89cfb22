// Package repo provides read access to target repositories for scheduling.
// The scheduler only needs two small files per tick; a cached shallow clone
// per target keeps that cheap without a full worker checkout.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
	"github.com/leviathan-sh/leviathan/pkg/worker"
)

// GitReader reads files from target repositories via git. Each target gets
// one cache directory; reads fetch the ref shallowly and show the file out
// of FETCH_HEAD without materializing a working tree.
type GitReader struct {
	cacheDir    string
	tokenUser   string
	tokenEnvVar string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGitReader creates a reader caching under cacheDir. tokenEnvVar names
// the environment variable holding the git token; the token itself is read
// at fetch time, never stored.
func NewGitReader(cacheDir, tokenUser, tokenEnvVar string) *GitReader {
	return &GitReader{
		cacheDir:    cacheDir,
		tokenUser:   tokenUser,
		tokenEnvVar: tokenEnvVar,
		locks:       make(map[string]*sync.Mutex),
	}
}

// ReadFile fetches commitRef from the target's remote and returns the file
// contents at that ref. A missing file maps to NotFound; remote failures map
// to TransportFailed or AuthFailed.
func (r *GitReader) ReadFile(ctx context.Context, target *types.Target, commitRef, path string) ([]byte, error) {
	lock := r.lockFor(target.ID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(r.cacheDir, sanitizeID(target.ID))
	if err := r.ensureRepo(ctx, dir, target); err != nil {
		return nil, err
	}

	remote, err := worker.TokenURL(target.RepoURL, r.tokenUser, os.Getenv(r.tokenEnvVar))
	if err != nil {
		return nil, err
	}
	if _, err := r.run(ctx, dir, "fetch", "--depth", "1", remote, commitRef); err != nil {
		return nil, err
	}

	out, err := r.run(ctx, dir, "show", "FETCH_HEAD:"+path)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindInternal) {
			return nil, errdefs.Newf(errdefs.KindNotFound, "%s not found at %s", path, commitRef)
		}
		return nil, err
	}
	return out, nil
}

// ensureRepo initializes a bare cache repository on first use. No clone: the
// fetch in ReadFile brings in exactly the ref it needs.
func (r *GitReader) ensureRepo(ctx context.Context, dir string, target *types.Target) error {
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create repo cache: %w", err)
	}
	_, err := r.run(ctx, dir, "init", "--bare", "--quiet")
	return err
}

func (r *GitReader) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.Wrap(errdefs.KindTimeout, "git "+args[0], ctx.Err())
		}
		return nil, classify(args[0], stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

func classify(op, output string, err error) error {
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
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "early eof"):
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

func (r *GitReader) lockFor(targetID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[targetID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[targetID] = lock
	}
	return lock
}

// sanitizeID maps a target id to a safe directory name.
func sanitizeID(id string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		default:
			return '_'
		}
	}, id)
}
