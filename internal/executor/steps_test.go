package executor

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"taskplane/internal/env"
)

func runScript(t *testing.T, script string) (stdout, stderr string, code int) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command(sh, "-c", script)
	cmd.Env = append(os.Environ(), "TMPDIR="+t.TempDir())
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		t.Fatalf("run: %v", err)
	}
	return out.String(), errOut.String(), code
}

func TestPrepareSteps(t *testing.T) {
	tests := []struct {
		name          string
		steps         []env.TaskStep
		failOnIgnored bool
		wantOut       string
		wantCode      int
		wantStderr    string
	}{
		{
			name: "failure aborts the chain",
			steps: []env.TaskStep{
				{Script: "echo a"},
				{Script: "false"},
				{Script: "echo c"},
			},
			wantOut:  "a\n",
			wantCode: 1,
		},
		{
			name: "ignored failure continues",
			steps: []env.TaskStep{
				{Script: "echo a"},
				{Script: "echo b\nexit 3", IgnoreFailure: true},
				{Script: "echo c"},
			},
			wantOut: "a\nb\nc\n",
		},
		{
			name: "ignored failure fails the run at the end",
			steps: []env.TaskStep{
				{Script: "echo a"},
				{Script: "false", IgnoreFailure: true},
				{Script: "echo c"},
			},
			failOnIgnored: true,
			wantOut:       "a\nc\n",
			wantCode:      1,
			wantStderr:    "an ignored step failed",
		},
		{
			name: "ignorable step that succeeds",
			steps: []env.TaskStep{
				{Script: "true", IgnoreFailure: true},
				{Script: "echo done"},
			},
			failOnIgnored: true,
			wantOut:       "done\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := env.JoinSteps(prepareSteps(tt.steps, tt.failOnIgnored))
			out, stderr, code := runScript(t, script)
			if out != tt.wantOut {
				t.Errorf("stdout = %q, want %q", out, tt.wantOut)
			}
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if tt.wantStderr != "" && !strings.Contains(stderr, tt.wantStderr) {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
		})
	}
}

func TestPrepareSteps_LeavesInputUntouched(t *testing.T) {
	steps := []env.TaskStep{{Name: "a", Script: "false", IgnoreFailure: true}}
	out := prepareSteps(steps, true)
	if steps[0].Script != "false" {
		t.Errorf("input mutated: %q", steps[0].Script)
	}
	if len(out) != 2 || out[1].Name != "ignored-failures" {
		t.Errorf("steps = %+v", out)
	}
}
