package editor

import (
	"context"
	"sync"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// Editor applies one task's change inside a cloned working tree and returns
// the repo-relative paths it modified. Editors never touch git: the worker
// owns staging, committing, and the scope re-check on every returned path.
type Editor interface {
	Apply(ctx context.Context, workdir string, task *types.Task) ([]string, error)
}

// Registry maps task scope tags to editors.
type Registry struct {
	mu      sync.RWMutex
	editors map[string]Editor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{editors: make(map[string]Editor)}
}

// Register binds an editor to a scope tag, replacing any previous binding.
func (r *Registry) Register(scope string, e Editor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.editors[scope] = e
}

// For returns the editor for a task's scope tag, falling back to the editor
// registered under "" when the tag has no specific binding.
func (r *Registry) For(task *types.Task) (Editor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.editors[task.Scope]; ok {
		return e, nil
	}
	if e, ok := r.editors[""]; ok {
		return e, nil
	}
	return nil, errdefs.Newf(errdefs.KindValidationFailed, "no editor registered for scope %q", task.Scope)
}
