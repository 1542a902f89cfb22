package editor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leviathan-sh/leviathan/pkg/types"
)

// DocsEditor is the built-in editor for documentation tasks. It materializes
// the task's acceptance criteria into each concrete file in allowedPaths:
// missing files are created with a titled checklist, existing files get the
// unmet criteria appended. Slash-terminated entries are skipped; a directory
// grant tells the editor where it may write, not what to write.
type DocsEditor struct{}

// NewDocsEditor returns the docs editor.
func NewDocsEditor() *DocsEditor {
	return &DocsEditor{}
}

// Apply writes the task's criteria into its concrete allowed files.
func (e *DocsEditor) Apply(_ context.Context, workdir string, task *types.Task) ([]string, error) {
	var modified []string
	for _, rel := range task.AllowedPaths {
		if strings.HasSuffix(rel, "/") {
			continue
		}
		abs := filepath.Join(workdir, filepath.FromSlash(rel))
		changed, err := e.applyToFile(abs, task)
		if err != nil {
			return nil, fmt.Errorf("edit %s: %w", rel, err)
		}
		if changed {
			modified = append(modified, rel)
		}
	}
	if len(modified) == 0 {
		return nil, fmt.Errorf("task %s names no concrete files to edit", task.ID)
	}
	return modified, nil
}

func (e *DocsEditor) applyToFile(path string, task *types.Task) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	var sb strings.Builder
	if len(existing) == 0 {
		sb.WriteString("# " + task.Title + "\n")
	} else {
		sb.Write(existing)
		if !strings.HasSuffix(string(existing), "\n") {
			sb.WriteString("\n")
		}
	}

	added := false
	for _, criterion := range task.AcceptanceCriteria {
		line := "- " + criterion + "\n"
		if strings.Contains(sb.String(), line) {
			continue
		}
		sb.WriteString(line)
		added = true
	}
	if !added && len(existing) > 0 {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return false, err
	}
	return true, nil
}
