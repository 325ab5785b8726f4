package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskplane/pkg/api"
)

var runCmd = &cobra.Command{
	Use:   "run [task_id]",
	Short: "Trigger a run of a task now",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run, err := newClient().TriggerTask(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("🚀 Run started!\nID: %s\n", run.ID)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs [task_id]",
	Short: "List the runs of a task, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		runs, err := newClient().ListRuns(args[0], limit, offset)
		if err != nil {
			printError(cmd, err)
			return
		}
		if len(runs) == 0 {
			cmd.Println("No runs found.")
			return
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tEXIT\tSTARTED\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, exitCode(r), formatTime(r.StartedAt), duration(r))
		}
		w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status information for a run, including its current state (pending, running, succeeded, failed), exit code, reason and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r, err := newClient().GetRun(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}

		cmd.Printf("Run ID:      %s\n", r.ID)
		cmd.Printf("Task ID:     %s\n", r.TaskID)
		cmd.Printf("Status:      %s\n", r.Status)
		cmd.Printf("Exit Code:   %s\n", exitCode(*r))
		if r.Reason != nil {
			cmd.Printf("Reason:      %s\n", *r.Reason)
		}
		if r.HandleID != nil {
			cmd.Printf("Instance:    %s\n", *r.HandleID)
		}
		cmd.Printf("Created At:  %s\n", r.CreatedAt.Format(time.RFC3339))
		cmd.Printf("Started At:  %s\n", formatTime(r.StartedAt))
		cmd.Printf("Finished At: %s\n", formatTime(r.FinishedAt))
	},
}

func exitCode(r api.RunResponse) string {
	if r.ExitCode == nil {
		return "-"
	}
	return fmt.Sprint(*r.ExitCode)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func duration(r api.RunResponse) string {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()
}

func init() {
	runsCmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	runsCmd.Flags().Int("offset", 0, "Number of runs to skip")

	rootCmd.AddCommand(runCmd, runsCmd, statusCmd)
}
