package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"memini/internal/config"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "memini version ") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestWorkspaceRootPrecedence(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.WorkspaceRoot = "/from/config"

	workspace = "/from/flag"
	got, err := workspaceRoot(cfg)
	if err != nil || got != "/from/flag" {
		t.Fatalf("flag: %q %v", got, err)
	}

	workspace = ""
	if got, _ := workspaceRoot(cfg); got != "/from/config" {
		t.Fatalf("config: %q", got)
	}

	cfg.Runtime.WorkspaceRoot = ""
	wd, _ := os.Getwd()
	if got, _ := workspaceRoot(cfg); got != wd {
		t.Fatalf("cwd: %q, want %q", got, wd)
	}
}

func TestOpenLoggerWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	logger, closeLog, err := openLogger(dir, false)
	if err != nil {
		t.Fatalf("openLogger: %v", err)
	}
	logger.Info("hello", "k", "v")
	closeLog()
	data, err := os.ReadFile(filepath.Join(dir, logFile))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello k=v") {
		t.Fatalf("log = %q", data)
	}
}
