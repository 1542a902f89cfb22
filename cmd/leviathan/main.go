package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Environment variables read by every command.
const (
	envAPIURL   = "LEVIATHAN_API_URL"
	envAPIToken = "LEVIATHAN_CONTROL_PLANE_TOKEN"
	envGitToken = "LEVIATHAN_GIT_TOKEN"
	envDataDir  = "LEVIATHAN_DATA_DIR"
)

func main() {
	// A local .env is optional; the environment wins over it.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error kind to the CLI exit code contract: 1 transport,
// 2 auth, 3 not found, 4 validation.
func exitCode(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindAuthFailed:
		return 2
	case errdefs.KindNotFound:
		return 3
	case errdefs.KindValidationFailed:
		return 4
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "leviathan",
	Short: "Leviathan - closed-loop orchestration for pre-authored engineering tasks",
	Long: `Leviathan executes pre-authored backlog tasks from target repositories
and delivers every change as a pull request. State lives in a hash-chained
event journal; scheduling, execution, and review stay fully auditable.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Leviathan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

func dataDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		return dir
	}
	if dir := os.Getenv(envDataDir); dir != "" {
		return dir
	}
	return "./leviathan-data"
}

func apiURL(cmd *cobra.Command) (string, error) {
	if u, _ := cmd.Flags().GetString("api-url"); u != "" {
		return u, nil
	}
	if u := os.Getenv(envAPIURL); u != "" {
		return u, nil
	}
	return "", errdefs.Newf(errdefs.KindValidationFailed, "control plane URL required (--api-url or %s)", envAPIURL)
}

func apiToken() (string, error) {
	if tok := os.Getenv(envAPIToken); tok != "" {
		return tok, nil
	}
	return "", errdefs.Newf(errdefs.KindValidationFailed, "%s is not set", envAPIToken)
}
