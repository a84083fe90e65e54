package cli

import (
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-relational-cache/pkg/di"
	"github.com/goliatone/go-relational-cache/relationalcache"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "get <entity> <key>...",
		Short: "Fetch one entity by primary or secondary key",
		Long: `Fetch one entity by its primary key values, or by the values of a
secondary key configured under entities.<entity>.keys with --by.

Examples:
  relcache get user 42
  relcache get user --by email ann@example.com`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := openContainer(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			records, err := di.NewRecordCache(c, args[0], nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "building cache", err)
			}

			values := parseValues(args[1:])
			var rec relationalcache.Record
			if by == "" {
				rec, err = records.Get(ctx, values...)
			} else {
				rec, err = records.GetBy(ctx, by, values...)
			}
			if stderrors.Is(err, relationalcache.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("%s %v not found", records.Entity(), args[1:]))
			}
			if err != nil {
				return WrapExitError(ExitFailure, "get", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Records([]relationalcache.Record{rec})
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "secondary key name")
	return cmd
}
