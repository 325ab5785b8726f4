package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// pollInterval is the wait between polls while following.
var pollInterval = time.Second

var logsCmd = &cobra.Command{
	Use:   "logs [run_id]",
	Short: "Print the output of a run",
	Long: `Print the output of a run, optionally filtered by time range and a regular expression.
With --follow the command keeps polling until the run finished and every line was printed.

Example:
  taskctl logs <run-id> --pattern "ERROR|WARN" --since 2024-05-01T00:00:00Z
  taskctl logs <run-id> -f`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		flags := cmd.Flags()
		follow, _ := flags.GetBool("follow")
		streams, _ := flags.GetBool("streams")
		q := searchQuery(cmd)

		// Trap Ctrl+C to exit gracefully
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := newClient()
		for {
			page, err := client.GetLogs(runID, q)
			if err != nil {
				printError(cmd, err)
				return
			}

			for _, e := range page.Entries {
				if streams {
					cmd.Printf("[%s] ", e.Stream)
				}
				cmd.Println(e.Content)
			}

			if page.Next != nil {
				// Full page: the next one starts right after it.
				q.From = *page.Next - 1
				continue
			}
			q.From += len(page.Entries)
			if !follow {
				return
			}

			if len(page.Entries) == 0 {
				run, err := client.GetRun(runID)
				if err != nil {
					printError(cmd, err)
					return
				}
				if run.FinishedAt != nil {
					return
				}
			}
			if !sleep(ctx, pollInterval) {
				return
			}
		}
	},
}

// searchQuery reads the shared filter and paging flags.
func searchQuery(cmd *cobra.Command) SearchQuery {
	flags := cmd.Flags()
	var q SearchQuery
	q.Since, _ = flags.GetString("since")
	q.Until, _ = flags.GetString("until")
	q.Pattern, _ = flags.GetString("pattern")
	q.Size, _ = flags.GetInt("size")
	return q
}

func addSearchFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.String("since", "", "Only entries at or after this RFC3339 time")
	flags.String("until", "", "Only entries at or before this RFC3339 time")
	flags.Int("size", 0, "Page size used while fetching (0 uses the server default)")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func init() {
	addSearchFlags(logsCmd)
	logsCmd.Flags().String("pattern", "", "Only lines matching this regular expression")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().Bool("streams", false, "Prefix each line with its stream")

	rootCmd.AddCommand(logsCmd)
}
