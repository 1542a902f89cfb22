package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// ExecEditor delegates the edit to an external command run inside the clone.
// The task is handed over as JSON on LEVIATHAN_TASK_FILE; the command prints
// the repo-relative paths it modified, one per line, on stdout. The worker
// still re-verifies every reported path against the task scope before
// staging, so a misbehaving command cannot smuggle files out.
type ExecEditor struct {
	command string
	args    []string
}

// NewExecEditor returns an editor that runs command with args.
func NewExecEditor(command string, args ...string) *ExecEditor {
	return &ExecEditor{command: command, args: args}
}

// Apply runs the command in workdir and collects the reported paths.
func (e *ExecEditor) Apply(ctx context.Context, workdir string, task *types.Task) ([]string, error) {
	taskFile, err := writeTaskFile(workdir, task)
	if err != nil {
		return nil, err
	}
	defer os.Remove(taskFile)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = workdir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"LEVIATHAN_TASK_FILE="+taskFile,
		"LEVIATHAN_TASK_ID="+task.ID,
	)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.Wrap(errdefs.KindTimeout, "editor command cancelled", ctx.Err())
		}
		summary := strings.TrimSpace(stderr.String())
		if summary == "" {
			summary = err.Error()
		}
		return nil, errdefs.Newf(errdefs.KindInternal, "editor command failed: %s", summary)
	}

	var modified []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			modified = append(modified, line)
		}
	}
	if len(modified) == 0 {
		return nil, errdefs.New(errdefs.KindInternal, "editor command reported no modified paths")
	}
	return modified, nil
}

func writeTaskFile(workdir string, task *types.Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	f, err := os.CreateTemp("", "leviathan-task-*.json")
	if err != nil {
		return "", fmt.Errorf("create task file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write task file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close task file: %w", err)
	}
	return f.Name(), nil
}
