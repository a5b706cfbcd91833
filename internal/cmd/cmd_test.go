package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qwdingyu/testflow/internal/config"
	"github.com/qwdingyu/testflow/internal/testutil"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "testflow" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "testflow")
	}

	// Compare by Name(), not Use which includes args
	expectedCmds := []string{"run", "validate", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}

	for _, flag := range []string{"config", "log-level"} {
		if rootCmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag --%s not registered", flag)
		}
	}
}

func TestInitConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "bench.yaml", "pool:\n  gate_wait_ms: 250\n")
	t.Setenv("TESTFLOW_SCHEDULER_MIN_PERIOD_MS", "25")
	viper.Set("config", path)

	initConfig()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.GateWaitMs != 250 {
		t.Errorf("GateWaitMs = %d, want 250 from --config file", cfg.Pool.GateWaitMs)
	}
	if cfg.Scheduler.MinPeriodMs != 25 {
		t.Errorf("MinPeriodMs = %d, want 25 from env", cfg.Scheduler.MinPeriodMs)
	}
	if cfg.Scheduler.QuantumMs != 2 {
		t.Errorf("QuantumMs = %d, want default 2", cfg.Scheduler.QuantumMs)
	}
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "smoke.yaml")
	content := "devices:\n  dmm: {type: sim.instrument}\ntasks:\n  - {id: read, target: dmm, command: measure}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(rootCmd, "validate", path)
	if err != nil {
		t.Fatalf("validate failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Status: VALID") {
		t.Errorf("output = %q", output)
	}
}
