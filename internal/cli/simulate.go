package cli

import (
	"github.com/spf13/cobra"

	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/simulator"
)

// newSimulateCmd creates the 'simulate' command.
func newSimulateCmd() *cobra.Command {
	var (
		addr string
		opts simulator.Options
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated job server for local testing",
		Long: `Run a local stand-in for the job server: the job API and the event stream.

Jobs advance in fixed steps and complete on their own. Use --fail-at to make
every job fail at a given step and --drop-push to exercise polling alone.

Example:
  airstrike simulate &
  airstrike --api-url http://127.0.0.1:5000 start --kind karma`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := simulator.New(opts, GetLogger())
			defer sim.Close()
			return sim.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "listen", constants.SimulatorListenAddr, "Listen address")
	cmd.Flags().DurationVar(&opts.StepInterval, "step", constants.SimulatorStepInterval, "Time between progress steps")
	cmd.Flags().IntVar(&opts.Steps, "steps", constants.SimulatorSteps, "Steps until a job completes")
	cmd.Flags().IntVar(&opts.FailAtStep, "fail-at", 0, "Fail every job at this step (0 = never)")
	cmd.Flags().BoolVar(&opts.DropPush, "drop-push", false, "Accept event stream connections but send nothing")
	cmd.Flags().StringVar(&opts.APIKey, "require-key", "", "Require this API key on every request")

	return cmd
}
