package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics [run_id]",
	Short: "Print the resource usage samples of a run",
	Long: `Print the resource usage samples of a run, or with --aggregate the max, min,
average, count and standard deviation of selected fields.

Example:
  taskctl metrics <run-id>
  taskctl metrics <run-id> --aggregate --fields cpu,ram`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		flags := cmd.Flags()
		aggregate, _ := flags.GetBool("aggregate")
		q := searchQuery(cmd)
		client := newClient()

		if aggregate {
			fields, _ := flags.GetStringSlice("fields")
			agg, err := client.AggregateMetrics(runID, fields, q)
			if err != nil {
				printError(cmd, err)
				return
			}
			if len(agg.Fields) == 0 {
				cmd.Println("No samples.")
				return
			}
			names := make([]string, 0, len(agg.Fields))
			for name := range agg.Fields {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FIELD\tMAX\tMIN\tAVG\tCNT\tSTD")
			for _, name := range names {
				s := agg.Fields[name]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", name, s.Max, s.Min, s.Avg, s.Cnt, s.Std)
			}
			w.Flush()
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tCPU\tRAM")
		for {
			page, err := client.GetMetrics(runID, q)
			if err != nil {
				w.Flush()
				printError(cmd, err)
				return
			}
			for _, e := range page.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Time.Format(time.RFC3339), e.CPU, e.RAM)
			}
			if page.Next == nil {
				break
			}
			q.From = *page.Next - 1
		}
		w.Flush()
	},
}

func init() {
	addSearchFlags(metricsCmd)
	metricsCmd.Flags().Bool("aggregate", false, "Print statistics instead of samples")
	metricsCmd.Flags().StringSlice("fields", nil, "Fields to aggregate (default: all)")

	rootCmd.AddCommand(metricsCmd)
}
