package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/airstrike/airstrike/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage airstrike configuration",
		Long: `Configuration management commands for airstrike.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// configPath returns --config or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// prompter reads answers to setup questions, falling back to defaults.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(question, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	input, _ := p.in.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

func (p *prompter) askInt(question string, def int) int {
	answer := p.ask(question, strconv.Itoa(def))
	if v, err := strconv.Atoi(answer); err == nil && v > 0 {
		return v
	}
	return def
}

func (p *prompter) confirm(question string) bool {
	answer := strings.ToLower(p.ask(question+" [y/N]", ""))
	return answer == "y" || answer == "yes"
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for airstrike.

The configuration is saved to ~/.config/airstrike/config.ini (or --config).
Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			fmt.Fprintln(out, "AirStrike Configuration Setup")
			fmt.Fprintln(out, "=============================")
			fmt.Fprintln(out)

			p := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: out}
			cfg := config.NewConfig()

			cfg.APIBaseURL = p.ask("Job server URL", cfg.APIBaseURL)
			cfg.APIKey = p.ask("API key (empty if the server needs none)", "")
			cfg.SessionName = p.ask("Session name", cfg.SessionName)
			cfg.MirrorBackend = strings.ToLower(p.ask("Session storage (file, badger, memory)", cfg.MirrorBackend))

			fmt.Fprintln(out)
			if p.confirm("Configure proxy?") {
				cfg.ProxyMode = p.ask("Proxy mode (no-proxy, system, basic, ntlm)", "system")
				if cfg.ProxyMode != "no-proxy" && cfg.ProxyMode != "system" {
					cfg.ProxyHost = p.ask("Proxy host", "")
					cfg.ProxyPort = p.askInt("Proxy port", 8080)
					cfg.ProxyUser = p.ask("Proxy user", "")
					cfg.ProxyPassword = p.ask("Proxy password", "")
				}
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			GetLogger().Info().Str("path", path).Msg("Configuration saved")

			fmt.Fprintln(out)
			fmt.Fprintf(out, "✓ Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

This command shows the merged configuration from:
  1. Configuration file (~/.config/airstrike/config.ini)
  2. Environment variables (AIRSTRIKE_API_URL, AIRSTRIKE_API_KEY, AIRSTRIKE_SESSION)
  3. Command-line flags (--api-url, --api-key, --session)

Priority: flags > environment > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.MergeWithEnv()
			cfg.MergeWithFlags(apiBaseURL, apiKey, sessionName)

			writeConfig(cmd.OutOrStdout(), cfg)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nConfiguration file: %s\n", path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(out, "  (file does not exist - using defaults)")
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "  ✗ %v\n", err)
			}
			return nil
		},
	}

	return cmd
}

func writeConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "Current Configuration")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Server:")
	fmt.Fprintf(out, "  API URL:    %s\n", cfg.APIBaseURL)
	if cfg.EventsURL != "" {
		fmt.Fprintf(out, "  Events URL: %s\n", cfg.EventsURL)
	}
	key, source := cfg.ResolveAPIKeySource("")
	if key != "" {
		// Never display any portion of the key
		fmt.Fprintf(out, "  API Key:    <set (%d chars, from %s)>\n", len(key), source)
	} else {
		fmt.Fprintln(out, "  API Key:    <not set>")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Monitoring:")
	fmt.Fprintf(out, "  Poll Interval:      %s\n", cfg.PollInterval)
	fmt.Fprintf(out, "  Missed Tick Budget: %d\n", cfg.MissedTickBudget)
	fmt.Fprintf(out, "  Request Timeout:    %s\n", cfg.RequestTimeout)
	fmt.Fprintf(out, "  Event Stream:       %t\n", cfg.PushEnabled)
	fmt.Fprintf(out, "  Max Log Entries:    %d\n", cfg.MaxLogEntries)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Session:")
	fmt.Fprintf(out, "  Name:    %s\n", cfg.SessionName)
	fmt.Fprintf(out, "  Storage: %s\n", cfg.MirrorBackend)
	if path, err := cfg.SessionStatePath(); err == nil && cfg.MirrorBackend != config.MirrorBackendMemory {
		fmt.Fprintf(out, "  State:   %s\n", path)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Proxy:")
	fmt.Fprintf(out, "  Mode: %s\n", cfg.ProxyMode)
	if cfg.ProxyHost != "" {
		fmt.Fprintf(out, "  Host: %s\n", cfg.ProxyHost)
		fmt.Fprintf(out, "  Port: %d\n", cfg.ProxyPort)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Notifications: %t\n", cfg.NotificationsEnabled)
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, path)

			if info, err := os.Stat(path); err == nil {
				fmt.Fprintf(out, "Status: ✓ File exists (%d bytes, modified %s)\n", info.Size(), info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status: File does not exist")
				fmt.Fprintln(out, "Create a configuration file with: airstrike config init")
			}
			return nil
		},
	}

	return cmd
}
