package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leviathan-sh/leviathan/pkg/client"
	"github.com/leviathan-sh/leviathan/pkg/editor"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
	"github.com/leviathan-sh/leviathan/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker process commands",
}

var workerRunCmd = &cobra.Command{
	Use:   "run --context FILE",
	Short: "Execute one attempt to a terminal state",
	Long: `Execute exactly one attempt from a JSON context file and exit. This is
the process the scheduler dispatches; it clones the target, applies the
task's editor, pushes an agent branch, opens the PR, and reports every
lifecycle event back to the control plane.`,
	RunE: runWorker,
}

func init() {
	workerRunCmd.Flags().String("context", "", "Attempt context JSON file (required)")
	workerRunCmd.Flags().String("data-dir", "", "Data directory (default $LEVIATHAN_DATA_DIR or ./leviathan-data)")
	workerRunCmd.Flags().String("exec-editor", "", "External editor command bound to the default scope")
	_ = workerRunCmd.MarkFlagRequired("context")

	workerCmd.AddCommand(workerRunCmd)
	rootCmd.AddCommand(workerCmd)
}

func loadAttemptContext(path string) (*types.AttemptContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "read attempt context", err)
	}
	var actx types.AttemptContext
	if err := json.Unmarshal(data, &actx); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "parse attempt context", err)
	}
	if actx.AttemptID == "" || actx.TaskID == "" || actx.RepoURL == "" {
		return nil, errdefs.New(errdefs.KindValidationFailed, "attempt context missing attemptId, taskId, or repoUrl")
	}
	return &actx, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	contextPath, _ := cmd.Flags().GetString("context")
	actx, err := loadAttemptContext(contextPath)
	if err != nil {
		return err
	}

	controlToken := os.Getenv(actx.APITokenEnvVar)
	if controlToken == "" {
		return errdefs.Newf(errdefs.KindValidationFailed, "%s is not set", actx.APITokenEnvVar)
	}
	gitToken := os.Getenv(actx.TokenEnvVar)
	if gitToken == "" {
		return errdefs.Newf(errdefs.KindValidationFailed, "%s is not set", actx.TokenEnvVar)
	}

	editors := editor.NewRegistry()
	editors.Register("docs", editor.NewDocsEditor())
	editors.Register("", editor.NewDocsEditor())
	if execCmd, _ := cmd.Flags().GetString("exec-editor"); execCmd != "" {
		editors.Register("", editor.NewExecEditor(execCmd))
	}

	dir := dataDir(cmd)
	w := worker.New(
		worker.NewExecGit(),
		worker.NewGitHubHost("", gitToken),
		editors,
		client.New(actx.ControlPlaneURL, controlToken),
		worker.Config{
			TokenUser:  "x-access-token",
			ScratchDir: filepath.Join(dir, "scratch"),
			CrashDir:   filepath.Join(dir, "crash"),
		},
	)
	return w.Run(context.Background(), actx)
}
