package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/leviathan-sh/leviathan/pkg/client"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

func operatorClient(cmd *cobra.Command) (*client.Client, error) {
	u, err := apiURL(cmd)
	if err != nil {
		return nil, err
	}
	token, err := apiToken()
	if err != nil {
		return nil, err
	}
	return client.New(u, token), nil
}

var graphSummaryCmd = &cobra.Command{
	Use:   "graph-summary",
	Short: "Show aggregate control-plane state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		s, err := c.GraphSummary(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Last applied seq:  %d\n", s.LastAppliedSeq)
		fmt.Printf("Targets:           %d\n", s.Targets)
		fmt.Printf("Tasks:             %d\n", s.Tasks)
		fmt.Printf("Attempts:          %d\n", s.Attempts)
		fmt.Printf("Open PRs:          %d\n", s.OpenPRs)
		fmt.Printf("Artifacts:         %d\n", s.Artifacts)
		fmt.Printf("Edges:             %d\n", s.Edges)
		if len(s.AttemptsByState) > 0 {
			fmt.Println("\nAttempts by state:")
			states := make([]string, 0, len(s.AttemptsByState))
			for state := range s.AttemptsByState {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Printf("  %-12s %d\n", state, s.AttemptsByState[state])
			}
		}
		return nil
	},
}

var attemptsListCmd = &cobra.Command{
	Use:   "attempts-list",
	Short: "List attempts, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")
		limit, _ := cmd.Flags().GetInt("limit")

		attempts, err := c.Attempts(cmd.Context(), target, limit)
		if err != nil {
			return err
		}
		printAttemptTable(attempts)
		return nil
	},
}

var attemptsShowCmd = &cobra.Command{
	Use:   "attempts-show ATTEMPT_ID",
	Short: "Show one attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		d, err := c.Attempt(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		a := d.Attempt

		fmt.Printf("Attempt:        %s\n", a.ID)
		fmt.Printf("Task:           %s\n", a.TaskID)
		fmt.Printf("Target:         %s\n", a.TargetID)
		fmt.Printf("Number:         %d\n", a.AttemptNumber)
		fmt.Printf("Status:         %s\n", a.Status)
		fmt.Printf("Created:        %s\n", formatTime(a.CreatedAt))
		fmt.Printf("Started:        %s\n", formatTime(a.StartedAt))
		fmt.Printf("Completed:      %s\n", formatTime(a.CompletedAt))
		if a.FailureKind != "" {
			fmt.Printf("Failure kind:   %s\n", a.FailureKind)
			fmt.Printf("Error summary:  %s\n", a.ErrorSummary)
		}
		if a.PRNumber > 0 {
			fmt.Printf("PR number:      %d\n", a.PRNumber)
		}
		if a.Invalidated {
			fmt.Println("Invalidated:    yes")
		}
		if len(d.Events) > 0 {
			fmt.Println("\nHistory:")
			for _, se := range d.Events {
				fmt.Printf("  %6d  %-22s %s\n", se.Seq, se.Event.EventType, se.Event.Timestamp.UTC().Format(time.RFC3339))
			}
		}
		if len(d.Artifacts) > 0 {
			fmt.Println("\nArtifacts:")
			for _, ref := range d.Artifacts {
				fmt.Printf("  %s  %s (%d bytes)\n", ref.SHA256[:12], ref.Kind, ref.Size)
			}
		}
		return nil
	},
}

var failuresRecentCmd = &cobra.Command{
	Use:   "failures-recent",
	Short: "List recent failed or timed-out attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")
		limit, _ := cmd.Flags().GetInt("limit")

		failures, err := c.Failures(cmd.Context(), target, limit)
		if err != nil {
			return err
		}
		printAttemptTable(failures)
		return nil
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate ATTEMPT_ID --reason REASON",
	Short: "Invalidate an attempt so it stops counting against caps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return errdefs.New(errdefs.KindValidationFailed, "--reason is required")
		}
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		if err := c.Invalidate(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Printf("✓ Attempt invalidated: %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{graphSummaryCmd, attemptsListCmd, attemptsShowCmd, failuresRecentCmd, invalidateCmd} {
		c.Flags().String("api-url", "", "Control plane URL (default $LEVIATHAN_API_URL)")
	}
	attemptsListCmd.Flags().String("target", "", "Filter by target id")
	attemptsListCmd.Flags().Int("limit", 50, "Maximum rows")
	failuresRecentCmd.Flags().String("target", "", "Filter by target id")
	failuresRecentCmd.Flags().Int("limit", 20, "Maximum rows")
	invalidateCmd.Flags().String("reason", "", "Operator reason recorded in the journal (required)")

	rootCmd.AddCommand(graphSummaryCmd)
	rootCmd.AddCommand(attemptsListCmd)
	rootCmd.AddCommand(attemptsShowCmd)
	rootCmd.AddCommand(failuresRecentCmd)
	rootCmd.AddCommand(invalidateCmd)
}

func printAttemptTable(attempts []*types.Attempt) {
	if len(attempts) == 0 {
		fmt.Println("No attempts found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tTASK\tTARGET\tNO\tSTATUS\tFAILURE\tCREATED")
	for _, a := range attempts {
		failure := string(a.FailureKind)
		if failure == "" {
			failure = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			a.ID, a.TaskID, a.TargetID, a.AttemptNumber, a.Status, failure, formatTime(a.CreatedAt))
	}
	w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
