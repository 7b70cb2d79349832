package cmd

import "testing"

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3-test")

	if rootCmd.Version != "1.2.3-test" {
		t.Errorf("Expected version to be 1.2.3-test, got %s", rootCmd.Version)
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "trellis" {
		t.Errorf("Expected Use to be 'trellis', got %s", rootCmd.Use)
	}

	if rootCmd.Short == "" {
		t.Error("Expected Short description to be set")
	}

	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}
}

func TestRunCommandRegistered(t *testing.T) {
	for _, c := range rootCmd.Commands() {
		if c.Name() == "run" {
			return
		}
	}
	t.Error("Expected the run command to be registered on the root command")
}
