package policy

import (
	"strings"

	"github.com/leviathan-sh/leviathan/pkg/types"
)

// NormalizePath validates and normalizes a backlog or policy path: forward
// slashes, no leading slash, no "." or ".." segments, no empty segments,
// case-sensitive. A trailing slash marks a directory prefix and is preserved.
// Returns "" when the path is not acceptable.
func NormalizePath(p string) string {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return ""
	}

	dir := strings.HasSuffix(p, "/")
	trimmed := strings.TrimSuffix(p, "/")
	if trimmed == "" {
		return ""
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ""
		}
	}
	if dir {
		return trimmed + "/"
	}
	return trimmed
}

// WithinPrefix reports boundary-safe containment of path p under prefix q:
// p == q, or p extends q across a directory boundary. "docs/" does not
// contain "docs2/readme.md". Both arguments must already be normalized.
func WithinPrefix(p, q string) bool {
	if p == "" || q == "" {
		return false
	}

	pBase := strings.TrimSuffix(p, "/")
	qBase := strings.TrimSuffix(q, "/")
	if pBase == qBase {
		return true
	}
	return strings.HasPrefix(pBase, qBase+"/")
}

// IsPathWithinPolicy reports whether a single normalized-or-raw path is
// contained under some policy prefix.
func IsPathWithinPolicy(path string, pol *types.Policy) bool {
	p := NormalizePath(path)
	if p == "" || pol == nil {
		return false
	}
	for _, raw := range pol.AllowedPathPrefixes {
		q := NormalizePath(raw)
		if q == "" {
			continue
		}
		if WithinPrefix(p, q) {
			return true
		}
	}
	return false
}

// IsTaskInScope reports whether every allowedPaths entry of the task is
// within the policy. A task with no allowedPaths is never in scope.
func IsTaskInScope(task *types.Task, pol *types.Policy) bool {
	if task == nil || len(task.AllowedPaths) == 0 {
		return false
	}
	for _, p := range task.AllowedPaths {
		if !IsPathWithinPolicy(p, pol) {
			return false
		}
	}
	return true
}

// PathAllowedByTask reports whether a modified file path falls under one of
// the task's allowedPaths entries. The worker re-checks every modified path
// with this before staging.
func PathAllowedByTask(path string, task *types.Task) bool {
	p := NormalizePath(path)
	if p == "" || task == nil {
		return false
	}
	for _, raw := range task.AllowedPaths {
		q := NormalizePath(raw)
		if q == "" {
			continue
		}
		// A concrete file entry only matches itself; a slash-terminated
		// entry matches the subtree.
		if strings.HasSuffix(q, "/") {
			if WithinPrefix(p, q) {
				return true
			}
		} else if p == q {
			return true
		}
	}
	return false
}
