package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/airstrike/airstrike/internal/config"
	"github.com/airstrike/airstrike/internal/models"
	"github.com/airstrike/airstrike/internal/progress"
)

// targetFlags holds the target selection flags shared by start.
type targetFlags struct {
	bssid    string
	essid    string
	channel  int
	ip       string
	mac      string
	hostname string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bssid, "bssid", "", "Target access point BSSID")
	cmd.Flags().StringVar(&f.essid, "essid", "", "Target network name")
	cmd.Flags().IntVar(&f.channel, "channel", 0, "Target channel")
	cmd.Flags().StringVar(&f.ip, "ip", "", "Target device IP address (requires --mac)")
	cmd.Flags().StringVar(&f.mac, "mac", "", "Target device MAC address")
	cmd.Flags().StringVar(&f.hostname, "hostname", "", "Target device hostname")
}

// overlay applies the flags that were set on top of t.
func (f *targetFlags) overlay(t models.Target) models.Target {
	if f.bssid != "" {
		t.BSSID = f.bssid
	}
	if f.essid != "" {
		t.ESSID = f.essid
	}
	if f.channel != 0 {
		t.Channel = f.channel
	}
	if f.ip != "" {
		t.IP = f.ip
	}
	if f.mac != "" {
		t.MAC = f.mac
	}
	if f.hostname != "" {
		t.Hostname = f.hostname
	}
	return t
}

// jobRequest is what start submits, assembled from a job file and flags.
type jobRequest struct {
	kind   models.Kind
	target models.Target
	params map[string]any
}

// buildJobRequest reads the optional job file and overlays the flags.
// Flags win over the file.
func buildJobRequest(kindName, jobFile string, paramPairs []string, tf *targetFlags) (*jobRequest, error) {
	var target models.Target
	params := map[string]any{}

	if jobFile != "" {
		jf, err := config.LoadJobFile(jobFile)
		if err != nil {
			return nil, err
		}
		if kindName == "" {
			kindName = jf.Kind
		}
		target = jf.Target
		params = jf.Params
	}

	if kindName == "" {
		return nil, fmt.Errorf("--kind is required (see 'airstrike kinds')")
	}
	kind, err := models.ParseKind(kindName)
	if err != nil {
		return nil, err
	}

	flagParams, err := config.ParseParams(paramPairs)
	if err != nil {
		return nil, err
	}

	return &jobRequest{
		kind:   kind,
		target: tf.overlay(target),
		params: config.MergeParams(params, flagParams),
	}, nil
}

// newStartCmd creates the 'start' command.
func newStartCmd() *cobra.Command {
	var (
		kindName   string
		jobFile    string
		paramPairs []string
		detach     bool
		compact    bool
		noNotify   bool
		tf         targetFlags
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a job and follow it until it finishes",
		Long: `Start a job on the job server.

The job is followed until it completes, fails or is stopped. Press Ctrl+C to
detach: the job keeps running and can be picked up with 'airstrike watch'.

Examples:
  airstrike start --kind deauth --bssid AA:BB:CC:DD:EE:FF --channel 6
  airstrike start --kind karma
  airstrike start --file job.yaml --param packets=128
  airstrike start --kind handshake --bssid AA:BB:CC:DD:EE:FF --detach`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildJobRequest(kindName, jobFile, paramPairs, &tf)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			stopEvents := s.watchEvents(ctx, !noNotify && !detach)
			defer stopEvents()

			if err := s.ctl.Resume(ctx); err != nil {
				return err
			}

			id, err := s.ctl.StartJob(ctx, req.target, req.kind, req.params)
			if err != nil {
				return fmt.Errorf("start failed: %w", err)
			}

			out := cmd.OutOrStdout()
			snap := s.ctl.Snapshot()
			fmt.Fprintf(out, "Job %s started: %s against %s\n", id, snap.Kind, snap.Target.DisplayName())

			if detach {
				fmt.Fprintln(out, "Detached. Follow it with: airstrike watch")
				return nil
			}

			var r progress.Renderer = progress.NewJobView(out)
			if compact {
				r = progress.NewBarView(out)
			}
			return followJob(ctx, s, r, out)
		},
	}

	cmd.Flags().StringVarP(&kindName, "kind", "k", "", "Job kind (see 'airstrike kinds')")
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "YAML job file (kind, target, params)")
	cmd.Flags().StringArrayVarP(&paramPairs, "param", "p", nil, "Job parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Return once the job is accepted")
	cmd.Flags().BoolVar(&compact, "compact", false, "Single-line progress bar instead of the log view")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "Disable desktop notifications")
	tf.register(cmd)

	return cmd
}

// newStopCmd creates the 'stop' command.
func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the session's running job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.store.Rehydrate(); err != nil {
				return fmt.Errorf("load session state: %w", err)
			}
			if err := s.ctl.StopJob(cmd.Context()); err != nil {
				return fmt.Errorf("stop failed: %w", err)
			}

			snap := s.ctl.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%s Job %s stopped\n", progress.StateSymbol(snap.RunState), snap.JobID)
			return nil
		},
	}
	return cmd
}

// newStatusCmd creates the 'status' command.
func newStatusCmd() *cobra.Command {
	var (
		outputJSON bool
		cached     bool
		tail       int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session's job",
		Long: `Show the job tracked by the session.

For a running job the server is asked for a fresh status first; use --cached
to print the persisted record without contacting the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if cached {
				if _, err := s.store.Rehydrate(); err != nil {
					return fmt.Errorf("load session state: %w", err)
				}
			} else {
				if err := s.refresh(ctx); err != nil {
					return err
				}
			}

			snap := s.ctl.Snapshot()
			out := cmd.OutOrStdout()
			if outputJSON {
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			progress.WriteSnapshot(out, snap, tail)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&outputJSON, "json", "J", false, "Output as JSON")
	cmd.Flags().BoolVar(&cached, "cached", false, "Do not contact the server")
	cmd.Flags().IntVarP(&tail, "tail", "n", 10, "Number of log entries to show")

	return cmd
}

// refresh resumes tracking and waits for the first update from the server.
// A server answer that changes nothing produces no update, so the wait is
// bounded by the request timeout.
func (s *session) refresh(ctx context.Context) error {
	// The first notification is the rehydrated record itself
	var seen atomic.Int32
	updated := make(chan struct{})
	var once sync.Once
	unsubscribe := s.ctl.Subscribe(func(models.Snapshot) {
		if seen.Add(1) >= 2 {
			once.Do(func() { close(updated) })
		}
	})
	defer unsubscribe()

	if err := s.ctl.Resume(ctx); err != nil {
		return err
	}
	if !s.ctl.Snapshot().RunState.IsActive() {
		return nil
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-updated:
	case <-s.ctl.Done():
	case <-timer.C:
		s.logger.Debug().Msg("No change reported by the job server")
	case <-ctx.Done():
	}
	return nil
}

// newWatchCmd creates the 'watch' command.
func newWatchCmd() *cobra.Command {
	var (
		compact  bool
		noNotify bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the session's job until it finishes",
		Long: `Resume following the session's job, for example after 'start --detach'
or after the previous client exited. Press Ctrl+C to detach again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			stopEvents := s.watchEvents(ctx, !noNotify)
			defer stopEvents()

			if err := s.ctl.Resume(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			snap := s.ctl.Snapshot()
			if !snap.RunState.IsActive() {
				progress.WriteSnapshot(out, snap, 10)
				return nil
			}

			var r progress.Renderer = progress.NewJobView(out)
			if compact {
				r = progress.NewBarView(out)
			}
			return followJob(ctx, s, r, out)
		},
	}

	cmd.Flags().BoolVar(&compact, "compact", false, "Single-line progress bar instead of the log view")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "Disable desktop notifications")

	return cmd
}

// followJob renders the job until tracking ends or ctx is cancelled. A
// cancelled ctx detaches: the job keeps running on the server.
func followJob(ctx context.Context, s *session, r progress.Renderer, out io.Writer) error {
	unsubscribe := s.ctl.Subscribe(r.Render)
	r.Render(s.ctl.Snapshot())

	var detached bool
	select {
	case <-s.ctl.Done():
	case <-ctx.Done():
		detached = true
	}
	unsubscribe()

	snap := s.ctl.Snapshot()
	r.Render(snap)
	r.Close()

	if detached {
		fmt.Fprintf(out, "Detached from job %s; it keeps running. Follow it with: airstrike watch\n", snap.JobID)
		return nil
	}
	return jobResult(snap)
}

// errJobFailed marks a command whose job ended in failure.
var errJobFailed = errors.New("job failed")

func jobResult(snap models.Snapshot) error {
	if snap.RunState == models.RunStateFailed {
		if snap.Reason != "" {
			return fmt.Errorf("%w: %s", errJobFailed, snap.Reason)
		}
		return errJobFailed
	}
	return nil
}

// newDismissCmd creates the 'dismiss' command.
func newDismissCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss",
		Short: "Clear the session's finished job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.store.Rehydrate(); err != nil {
				return fmt.Errorf("load session state: %w", err)
			}
			if err := s.ctl.Dismiss(); err != nil {
				return fmt.Errorf("dismiss failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session cleared")
			return nil
		},
	}
	return cmd
}

// newKindsCmd creates the 'kinds' command.
func newKindsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kinds",
		Short: "List the job kinds the server runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			kinds := models.Kinds()

			width := 0
			for _, k := range kinds {
				if len(k) > width {
					width = len(k)
				}
			}

			for _, k := range kinds {
				target := "target required"
				if !k.RequiresTarget() {
					target = "no target"
				}
				fmt.Fprintf(out, "  %-*s  %-15s  %s\n", width, k, target, k.Description())
			}
			return nil
		},
	}
	return cmd
}
