package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskplane/pkg/api"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task",
	Long: `Create a task from a YAML or JSON file, from flags, or both. Flags override the file.

Example task file:
  name: nightly-report
  os: {name: alpine, version: "3.20"}
  cron: "0 2 * * *"
  steps:
    - name: report
      script: ./report.sh
    - name: notify
      script: wget -q -O- http://hooks.local/done
      ignore_failure: true
  limitations: {cpu: 500m, ram: 128Mi, ttl: 10m}

Example:
  taskctl create -f nightly.yaml
  taskctl create --name hello --os alpine:3.20 --step "echo hello" --cron "@every 1m"`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		req, err := taskRequestFromFlags(cmd)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if req.Name == "" {
			cmd.Println("Error: a task name is required (--name or name: in the file)")
			return
		}
		if len(req.Steps) == 0 {
			cmd.Println("Error: at least one step is required (--step or steps: in the file)")
			return
		}

		task, err := newClient().CreateTask(req)
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Task created!\nID: %s\nName: %s\nStatus: %s\n", task.ID, task.Name, task.Status)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update [task_id]",
	Short: "Replace the definition of a task",
	Long: `Replace a task definition. A changed OS, step list or schedule rebuilds the
environment; other changes apply to the next run.

Example:
  taskctl update <task-id> -f nightly.yaml`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		req, err := taskRequestFromFlags(cmd)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		task, err := newClient().UpdateTask(args[0], req)
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Task updated!\nID: %s\nStatus: %s\n", task.ID, task.Status)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		tasks, err := newClient().ListTasks()
		if err != nil {
			printError(cmd, err)
			return
		}
		if len(tasks) == 0 {
			cmd.Println("No tasks.")
			return
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOS\tCRON\tSTATUS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, osString(t.OS), t.Cron, t.Status)
		}
		w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get [task_id]",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t, err := newClient().GetTask(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}
		printTask(cmd, t)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [task_id]",
	Short: "Delete a task, its instances and its environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().DeleteTask(args[0]); err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Task %s deleted\n", args[0])
	},
}

var startCmd = &cobra.Command{
	Use:   "start [task_id]",
	Short: "Resume the schedule of a stopped task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t, err := newClient().StartTask(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Task %s started (%s)\n", t.ID, t.Status)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [task_id]",
	Short: "Pause the schedule of a task and stop its running instances",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t, err := newClient().StopTask(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Task %s stopped\n", t.ID)
	},
}

// taskRequestFromFlags loads --file, if any, and applies the flags set on top of it.
func taskRequestFromFlags(cmd *cobra.Command) (api.TaskRequest, error) {
	var req api.TaskRequest
	flags := cmd.Flags()

	if path, _ := flags.GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("failed to read task file: %w", err)
		}
		// JSON documents are valid YAML.
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse task file: %w", err)
		}
	}

	if flags.Changed("name") {
		req.Name, _ = flags.GetString("name")
	}
	if flags.Changed("os") {
		raw, _ := flags.GetString("os")
		name, version, _ := strings.Cut(raw, ":")
		req.OS = api.OSInfo{Name: name, Version: version}
	}
	if flags.Changed("step") {
		scripts, _ := flags.GetStringArray("step")
		req.Steps = req.Steps[:0]
		for i, s := range scripts {
			req.Steps = append(req.Steps, api.Step{Name: fmt.Sprintf("step-%d", i+1), Script: s})
		}
	}
	if flags.Changed("cron") {
		req.Cron, _ = flags.GetString("cron")
	}
	if flags.Changed("once") {
		req.Once, _ = flags.GetBool("once")
	}
	if flags.Changed("max-concurrent") {
		req.MaxConcurrentRuns, _ = flags.GetInt("max-concurrent")
	}
	if flags.Changed("delete-instances") {
		req.DeleteInstances, _ = flags.GetBool("delete-instances")
	}
	for _, name := range []string{"cpu", "ram", "rom", "ttl"} {
		if !flags.Changed(name) {
			continue
		}
		if req.Limitations == nil {
			req.Limitations = &api.Limitations{}
		}
		v, _ := flags.GetString(name)
		switch name {
		case "cpu":
			req.Limitations.CPU = v
		case "ram":
			req.Limitations.RAM = v
		case "rom":
			req.Limitations.ROM = v
		case "ttl":
			req.Limitations.TTL = v
		}
	}
	return req, nil
}

func osString(o api.OSInfo) string {
	if o.Version == "" {
		return o.Name
	}
	return o.Name + ":" + o.Version
}

func printTask(cmd *cobra.Command, t *api.TaskResponse) {
	cmd.Printf("ID:       %s\n", t.ID)
	cmd.Printf("Name:     %s\n", t.Name)
	cmd.Printf("OS:       %s\n", osString(t.OS))
	cmd.Printf("Cron:     %s", t.Cron)
	if t.Once {
		cmd.Print(" (once)")
	}
	cmd.Println()
	cmd.Printf("Status:   %s\n", t.Status)
	if t.StatusReason != nil {
		cmd.Printf("Reason:   %s\n", *t.StatusReason)
	}
	if l := t.Limitations; l != nil {
		cmd.Printf("Limits:   cpu=%s ram=%s rom=%s ttl=%s\n", l.CPU, l.RAM, l.ROM, l.TTL)
	}
	cmd.Println("Steps:")
	for i, s := range t.Steps {
		suffix := ""
		if s.IgnoreFailure {
			suffix = " (failure ignored)"
		}
		cmd.Printf("  %d. %s%s\n", i+1, s.Name, suffix)
		for _, line := range strings.Split(strings.TrimRight(s.Script, "\n"), "\n") {
			cmd.Printf("     %s\n", line)
		}
	}
}

func addTaskFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.StringP("file", "f", "", "YAML or JSON task definition")
	flags.StringP("name", "n", "", "Name of the task")
	flags.String("os", "", "Base image as name[:version], e.g. alpine:3.20")
	flags.StringArray("step", nil, "Shell script of a step (repeatable, run in order)")
	flags.String("cron", "", "Cron expression, e.g. \"*/5 * * * *\" or \"@hourly\"")
	flags.Bool("once", false, "Run only at the first firing of the schedule")
	flags.Int("max-concurrent", 0, "Maximum overlapping runs (0 uses the server default)")
	flags.Bool("delete-instances", false, "Remove each instance after it exits")
	flags.String("cpu", "", "CPU limit, e.g. 500m")
	flags.String("ram", "", "Memory limit, e.g. 256Mi")
	flags.String("rom", "", "Disk limit, e.g. 1Gi")
	flags.String("ttl", "", "Run time limit, e.g. 90s")
}

func init() {
	addTaskFlags(createCmd)
	addTaskFlags(updateCmd)

	rootCmd.AddCommand(createCmd, updateCmd, listCmd, getCmd, deleteCmd, startCmd, stopCmd)
}
