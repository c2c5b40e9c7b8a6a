// Package cli provides the command-line interface for airstrike.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/version"
)

var (
	// Global flags
	cfgFile     string
	apiKey      string
	apiBaseURL  string
	sessionName string
	verbose     bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "airstrike",
		Short: "AirStrike - start, stop and monitor attack jobs on a remote job server",
		Long: `AirStrike ` + version.Version + ` - Built: ` + version.BuildTime + `
Client for the AirStrike job server.

One job is tracked per session. The job record survives restarts: a job
started with --detach can be picked up again with 'airstrike watch'.

Progress is followed on two channels: the server's event stream (when
available) and periodic status polling, so the view stays correct when
events are lost.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewLogger(cmd.ErrOrStderr())
			logging.SetVerbose(verbose)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Job server API key (overrides all other sources)")
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "", "Job server base URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&sessionName, "session", "s", "", "Session name (one tracked job per session)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	rootCmd.AddCommand(newCompletionCmd(rootCmd))
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// newCompletionCmd replaces cobra's default completion command with one
// that has short setup notes per shell.
func newCompletionCmd(rootCmd *cobra.Command) *cobra.Command {
	completionCmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for airstrike.

QUICK START:

  bash:  source <(airstrike completion bash)
  zsh:   airstrike completion zsh > "${fpath[1]}/_airstrike"
  fish:  airstrike completion fish > ~/.config/fish/completions/airstrike.fish`,
	}

	generators := []struct {
		shell string
		gen   func(io.Writer) error
	}{
		{"bash", rootCmd.GenBashCompletion},
		{"zsh", rootCmd.GenZshCompletion},
		{"fish", func(w io.Writer) error { return rootCmd.GenFishCompletion(w, true) }},
		{"powershell", rootCmd.GenPowerShellCompletion},
	}
	for _, g := range generators {
		completionCmd.AddCommand(&cobra.Command{
			Use:   g.shell,
			Short: "Generate " + g.shell + " completion script",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.gen(cmd.OutOrStdout())
			},
		})
	}

	return completionCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, detaching...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := run(rootContext, rootCmd)

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// run executes rootCmd and reports a returned error once on its error
// output. A failed job was already shown by the job view and is not repeated.
func run(ctx context.Context, rootCmd *cobra.Command) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errJobFailed) {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newDismissCmd())
	rootCmd.AddCommand(newKindsCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}
