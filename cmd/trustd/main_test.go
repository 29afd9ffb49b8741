package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustd.yaml")
	if err := os.WriteFile(path, []byte("device:\n  machine-id: mid-1\naccounts:\n  - altdsid: a1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	for _, want := range []string{"is valid", "grace-window: 48h0m0s", "altdsid: a1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustd.yaml")
	if err := os.WriteFile(path, []byte("accounts:\n  - altdsid: a1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config", "--config", path})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
}
