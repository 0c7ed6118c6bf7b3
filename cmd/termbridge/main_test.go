package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TERMBRIDGE_AGENTS_FILE", "")

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "termbridge "+Version+"\n" {
		t.Errorf("output = %q", out)
	}
}

func TestAgentsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - name: aider\n    command: aider\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "agents", "--agents", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"agents:", "name: aider", "name: claude", "- --resume", "name: codex"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAgentsCommandRejectsBadFile(t *testing.T) {
	if _, err := execute(t, "agents", "--agents", filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("error = nil for missing agents file")
	}
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "agents", "--log-level", "loud")
	if err == nil || !strings.Contains(err.Error(), "logging") {
		t.Errorf("error = %v, want logging configuration error", err)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := execute(t, "agents", "--config", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("error = nil for missing config file")
	}
}
