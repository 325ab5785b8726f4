package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "taskctl is a command line tool for interacting with a taskplane server",
	Long: `taskctl is the command-line interface for taskplane, a scheduled task executor.

A task is a list of shell steps run inside an environment built from an OS image,
on a cron schedule or on demand. Every run records its logs and resource metrics.

Common workflows:

  Create a task from a file:
    taskctl create -f nightly.yaml

  Create a task from flags:
    taskctl create --name backup --os alpine:3.20 --step "tar czf /tmp/b.tgz /data" --cron "0 3 * * *"

  Trigger a run now and follow its output:
    taskctl run <task-id>
    taskctl logs <run-id> --follow

  Inspect resource usage:
    taskctl metrics <run-id> --aggregate --fields cpu,ram

Configuration:
  Set the API endpoint and credentials via flags, environment variables or a config file:
    TASKPLANE_URL      API endpoint (default: http://localhost:6161)
    TASKPLANE_TOKEN    Bearer token, when the server requires one`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".taskctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".taskctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "TASKPLANE_VARNAME"
	viper.SetEnvPrefix("TASKPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.taskctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "taskplane server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// newClient builds a client from the resolved url and token.
func newClient() *TaskClient {
	return NewTaskClient(viper.GetString("url"), viper.GetString("token"))
}

// printError reports an API or transport error the way every command does.
func printError(cmd *cobra.Command, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("Error: %v\n", err)
}
