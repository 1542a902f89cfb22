package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/client"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/policy"
	"github.com/leviathan-sh/leviathan/pkg/projection"
	"github.com/leviathan-sh/leviathan/pkg/repo"
	"github.com/leviathan-sh/leviathan/pkg/scheduler"
	"github.com/leviathan-sh/leviathan/pkg/types"
	"github.com/leviathan-sh/leviathan/pkg/worker"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler tick loop",
	Long: `Run the scheduler against a set of registered targets. Each tick
evaluates one target's guardrails and dispatches at most one worker
process; outcomes flow back through the control-plane API.

Targets are declared in a YAML file:

  targets:
    - id: demo
      repoUrl: https://github.com/example/demo
      defaultBranch: main`,
	RunE: runScheduler,
}

func init() {
	schedulerCmd.Flags().StringP("targets", "t", "", "Targets YAML file (required)")
	schedulerCmd.Flags().String("api-url", "", "Control plane URL (default $LEVIATHAN_API_URL)")
	schedulerCmd.Flags().String("data-dir", "", "Data directory (default $LEVIATHAN_DATA_DIR or ./leviathan-data)")
	schedulerCmd.Flags().String("autonomy-config", "", "Autonomy kill-switch file (default <data-dir>/autonomy.yaml)")
	_ = schedulerCmd.MarkFlagRequired("targets")

	rootCmd.AddCommand(schedulerCmd)
}

type targetsFile struct {
	Targets []*types.Target `yaml:"targets"`
}

func loadTargets(path string) ([]*types.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "read targets file", err)
	}
	var doc targetsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, "parse targets file", err)
	}
	for i, t := range doc.Targets {
		if t.ID == "" || t.RepoURL == "" {
			return nil, errdefs.Newf(errdefs.KindValidationFailed, "targets[%d]: id and repoUrl are required", i)
		}
		if t.DefaultBranch == "" {
			t.DefaultBranch = "main"
		}
	}
	if len(doc.Targets) == 0 {
		return nil, errdefs.New(errdefs.KindValidationFailed, "targets file declares no targets")
	}
	return doc.Targets, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	controlPlane, err := apiURL(cmd)
	if err != nil {
		return err
	}
	token, err := apiToken()
	if err != nil {
		return err
	}

	targetsPath, _ := cmd.Flags().GetString("targets")
	targets, err := loadTargets(targetsPath)
	if err != nil {
		return err
	}

	dir := dataDir(cmd)
	autonomyPath, _ := cmd.Flags().GetString("autonomy-config")
	if autonomyPath == "" {
		autonomyPath = filepath.Join(dir, "autonomy.yaml")
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve binary path: %v", err)
	}

	reader := policy.NewReader(repo.NewGitReader(filepath.Join(dir, "repo-cache"), "x-access-token", envGitToken))
	launcher := worker.NewProcessLauncher(binary, filepath.Join(dir, "attempts"))
	api := client.New(controlPlane, token)

	// The scheduler folds its own projection from the remote journal; its
	// guardrail reads stay local and cheap.
	projector, err := projection.NewProjector(api.Journal(), nil, nil, projection.Options{})
	if err != nil {
		return fmt.Errorf("build projection: %v", err)
	}
	if err := projector.Start(cmd.Context()); err != nil {
		return fmt.Errorf("start projection: %v", err)
	}
	defer projector.Stop()
	fmt.Println("✓ Projection caught up")

	sched := scheduler.New(
		projector,
		api,
		autonomy.NewChecker(autonomyPath),
		reader,
		launcher,
		worker.NewGitHubHost("", os.Getenv(envGitToken)),
		scheduler.Config{
			ControlPlaneURL: controlPlane,
			TokenEnvVar:     envGitToken,
			APITokenEnvVar:  envAPIToken,
		},
	)
	for _, t := range targets {
		sched.AddTarget(t)
		fmt.Printf("✓ Target registered: %s (%s)\n", t.ID, t.RepoURL)
	}

	sched.Start()
	fmt.Println("✓ Scheduler started")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	sched.Stop()
	fmt.Println("✓ Shutdown complete")
	return nil
}
