package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/leviathan-sh/leviathan/pkg/log"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// ProcessLauncher dispatches each attempt as a child worker process. The
// attempt context travels as a JSON file; the child inherits the environment
// and resolves credentials from the env var names inside the context.
type ProcessLauncher struct {
	// Binary is the executable to run, normally the current binary.
	Binary string
	// ContextDir receives the per-attempt context files.
	ContextDir string
}

// NewProcessLauncher creates a launcher for the given binary.
func NewProcessLauncher(binary, contextDir string) *ProcessLauncher {
	return &ProcessLauncher{Binary: binary, ContextDir: contextDir}
}

// Launch writes the attempt context and starts the worker process. It returns
// once the process has started; the worker reports its own outcome through
// the control plane, and the process is reaped in the background.
func (l *ProcessLauncher) Launch(ctx context.Context, actx *types.AttemptContext) error {
	if err := os.MkdirAll(l.ContextDir, 0755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}

	path := filepath.Join(l.ContextDir, "attempt-"+actx.AttemptID+".json")
	data, err := json.Marshal(actx)
	if err != nil {
		return fmt.Errorf("encode attempt context: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write attempt context: %w", err)
	}

	cmd := exec.Command(l.Binary, "worker", "run", "--context", path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return fmt.Errorf("start worker: %w", err)
	}

	logger := log.WithAttemptID(actx.AttemptID)
	logger.Info().Int("pid", cmd.Process.Pid).Str("task_id", actx.TaskID).Msg("worker process started")

	go func() {
		err := cmd.Wait()
		os.Remove(path)
		if err != nil {
			logger.Warn().Err(err).Msg("worker process exited non-zero")
			return
		}
		logger.Debug().Msg("worker process exited")
	}()
	return nil
}
