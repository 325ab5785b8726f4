package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// resetViper clears viper state and every flag value left behind by earlier commands.
func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("TASKPLANE")
	viper.AutomaticEnv()
	resetFlags(rootCmd)
}

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the root command against serverURL and returns everything it printed.
func execute(t *testing.T, serverURL string, args ...string) string {
	t.Helper()
	viper.Set("url", serverURL)
	viper.Set("token", "test-token")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out.String()
}
