package cli

import (
	"github.com/spf13/cobra"
)

// NewNextIDCommand creates the next-id command.
func NewNextIDCommand(rootOpts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next-id <sequence>",
		Short: "Draw values from a named sequence",
		Long: `Draw values from a named sequence of the configured sequencer
implementation. Drawn values are consumed and never handed out again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if count < 1 {
				return NewExitError(ExitCommandError, "--count must be at least 1")
			}

			c, err := openContainer(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			if c.Sequencers() == nil {
				return NewExitError(ExitCommandError, "no sequencer implementation configured")
			}
			seq := c.Sequencers().Get(args[0])
			if seq == nil {
				return NewExitError(ExitFailure, "sequencer "+args[0]+" could not be built")
			}

			ids := make([]int64, 0, count)
			for i := 0; i < count; i++ {
				id, err := seq.Next(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "next-id", err)
				}
				ids = append(ids, id)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.IDs(seq.Name(), ids)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of values to draw")
	return cmd
}
