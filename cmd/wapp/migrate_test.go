package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrateCmd_Flags(t *testing.T) {
	cmd := newMigrateCmd()
	if cmd.Use != "migrate" {
		t.Errorf("Use = %q, want %q", cmd.Use, "migrate")
	}
	if cmd.Flags().Lookup("config") == nil {
		t.Error("expected --config flag")
	}
}

func TestMigrateCmd_Sqlite(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "wapp.yaml")
	cfg := "db:\n  driver: sqlite\n  path: " + filepath.Join(tmp, "wapp.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"migrate", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Migrated 10 tables (sqlite)") {
		t.Errorf("output = %s", buf.String())
	}

	// Idempotent.
	cmd = newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"migrate", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestMigrateCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"migrate", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestServeCmd_Flags(t *testing.T) {
	cmd := newServeCmd()
	if cmd.Use != "serve" {
		t.Errorf("Use = %q, want %q", cmd.Use, "serve")
	}
	if cmd.Flags().Lookup("config") == nil {
		t.Error("expected --config flag")
	}
	if cmd.Flags().Lookup("port") == nil {
		t.Error("expected --port flag")
	}
}
