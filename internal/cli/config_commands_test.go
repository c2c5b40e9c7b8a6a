package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airstrike/airstrike/internal/config"
)

// runCLI executes the full command tree with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	AddCommands(root)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)

	err := run(context.Background(), root)
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, key := range []string{"AIRSTRIKE_API_URL", "AIRSTRIKE_EVENTS_URL", "AIRSTRIKE_API_KEY", "AIRSTRIKE_SESSION"} {
		t.Setenv(key, "")
	}
}

// TestConfigCmd tests the config command group
func TestConfigCmd(t *testing.T) {
	cmd := newConfigCmd()
	if cmd.Use != "config" {
		t.Errorf("Expected Use='config', got '%s'", cmd.Use)
	}

	expectedSubs := []string{"init", "show", "path"}
	if len(cmd.Commands()) != len(expectedSubs) {
		t.Errorf("Expected %d subcommands, got %d", len(expectedSubs), len(cmd.Commands()))
	}

	foundSubs := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		foundSubs[sub.Name()] = true
		if sub.Short == "" {
			t.Errorf("Subcommand '%s' has no short description", sub.Name())
		}
	}
	for _, expected := range expectedSubs {
		if !foundSubs[expected] {
			t.Errorf("Subcommand '%s' not found", expected)
		}
	}

	if newConfigInitCmd().Flags().Lookup("force") == nil {
		t.Error("--force flag not found on init")
	}
}

// TestConfigInitWritesConfig feeds answers to the setup prompts.
func TestConfigInitWritesConfig(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.ini")

	root := NewRootCmd()
	AddCommands(root)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(strings.Join([]string{
		"http://10.0.0.5:5000", // server URL
		"secret-key",           // API key
		"lab",                  // session
		"badger",               // storage
		"y",                    // proxy?
		"basic",                // proxy mode
		"proxy.local",          // host
		"3128",                 // port
		"alice",                // user
		"pw",                   // password
	}, "\n") + "\n"))
	root.SetArgs([]string{"--config", path, "config", "init"})

	if err := root.Execute(); err != nil {
		t.Fatalf("config init error = %v\n%s", err, out.String())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIBaseURL != "http://10.0.0.5:5000" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.APIKey != "secret-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.SessionName != "lab" || cfg.MirrorBackend != config.MirrorBackendBadger {
		t.Errorf("session = %q/%q", cfg.SessionName, cfg.MirrorBackend)
	}
	if cfg.ProxyMode != "basic" || cfg.ProxyHost != "proxy.local" || cfg.ProxyPort != 3128 || cfg.ProxyUser != "alice" {
		t.Errorf("proxy = %q %q:%d %q", cfg.ProxyMode, cfg.ProxyHost, cfg.ProxyPort, cfg.ProxyUser)
	}

	// A second init without --force leaves the file alone
	output, err := runCLI(t, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("second init error = %v", err)
	}
	if !strings.Contains(output, "already exists") {
		t.Errorf("expected existing-config notice, got:\n%s", output)
	}
}

func TestConfigInitRejectsInvalidAnswers(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.ini")

	root := NewRootCmd()
	AddCommands(root)
	root.SetOut(&bytes.Buffer{})
	root.SetIn(strings.NewReader("ftp://nope\n\n\n\n\n"))
	root.SetArgs([]string{"--config", path, "config", "init"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected invalid URL to be rejected")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid configuration was written")
	}
}

func TestConfigShowMasksKey(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.ini")

	cfg := config.NewConfig()
	cfg.APIKey = "super-secret-key"
	cfg.SessionName = "lab"
	if err := config.Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	output, err := runCLI(t, "--config", path, "--session", "override", "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	if strings.Contains(output, "super-secret-key") {
		t.Error("API key printed in clear")
	}
	for _, want := range []string{"<set (16 chars, from config)>", "Name:    override", "Storage: file"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestConfigPath(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "missing.ini")

	output, err := runCLI(t, "--config", path, "config", "path")
	if err != nil {
		t.Fatalf("config path error = %v", err)
	}
	if !strings.Contains(output, path) || !strings.Contains(output, "does not exist") {
		t.Errorf("unexpected output:\n%s", output)
	}
}

func TestCompletionScripts(t *testing.T) {
	isolateEnv(t)
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		output, err := runCLI(t, "completion", shell)
		if err != nil {
			t.Fatalf("completion %s error = %v", shell, err)
		}
		if !strings.Contains(output, "airstrike") {
			t.Errorf("completion %s output does not mention the command", shell)
		}
	}
}
