package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
database:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "ledger.db") + `
pricing:
  claude-sonnet:
    input: "3"
    output: "15"
    cache_read: "0.30"
    cache_write: "3.75"
logging:
  level: error
`
	path := filepath.Join(dir, "tokenledger.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCostCommand(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCLI(t, "cost", "--config", cfg, "--model", "claude-sonnet",
		"--input", "1000000", "--output", "100000", "--cache-read", "1000000")
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	// 3 + 1.5 + 0.3
	if !strings.Contains(out, "4.8") {
		t.Errorf("output missing total 4.8:\n%s", out)
	}
	// 1M cache reads at 3 - 0.30
	if !strings.Contains(out, "2.7") {
		t.Errorf("output missing cache savings 2.7:\n%s", out)
	}
}

func TestCostCommand_UnknownModel(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCLI(t, "cost", "--config", cfg, "--model", "gpt-x", "--input", "10"); err == nil {
		t.Error("expected error for a model with no pricing")
	}
}

func TestBatchesCountsCommand(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCLI(t, "batches", "counts", "--config", cfg)
	if err != nil {
		t.Fatalf("batches counts: %v", err)
	}
	for _, state := range []string{"pending", "processing", "processed"} {
		if !strings.Contains(out, state) {
			t.Errorf("output missing %s:\n%s", state, out)
		}
	}
}

func TestQuotaRollover_RequiresTarget(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCLI(t, "quota", "rollover", "--config", cfg); err == nil {
		t.Error("expected error with neither a user nor --expired")
	}
}
