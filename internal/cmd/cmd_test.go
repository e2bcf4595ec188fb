package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootCommandWiring(t *testing.T) {
	if rootCmd.Use != "foreman" {
		t.Errorf("rootCmd.Use = %q, want foreman", rootCmd.Use)
	}

	expected := map[string]bool{"run": false, "status": false, "validate": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	doc := `
name: demo
tasks:
  - name: build
    subtasks:
      - name: compile
        capability: build
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := runValidate(validateCmd, []string{path}); err != nil {
		t.Errorf("validate: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("tasks:\n  - name: t\n    subtasks:\n      - name: a\n        depends_on: [ghost]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := runValidate(validateCmd, []string{bad}); err == nil {
		t.Error("invalid plan accepted")
	}
}
