package cli

import (
	"github.com/spf13/cobra"

	"github.com/goliatone/go-relational-cache/pkg/di"
)

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	var where []string

	cmd := &cobra.Command{
		Use:   "count <entity>",
		Short: "Count the rows of an entity",
		Long: `Count the rows of an entity, optionally filtered with --where.

Examples:
  relcache count user
  relcache count user --where "age>=18" --where "team_id:notnull"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terms, joins, err := parseTerms(where)
			if err != nil {
				return WrapExitError(ExitCommandError, "parsing --where", err)
			}
			if len(joins) > 0 {
				return NewExitError(ExitCommandError, "count filters only on the entity's own columns")
			}

			c, err := openContainer(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			records, err := di.NewRecordCache(c, args[0], nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "building cache", err)
			}
			n, err := records.Count(cmd.Context(), terms...)
			if err != nil {
				return WrapExitError(ExitFailure, "count", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Count(records.Entity(), n)
		},
	}

	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "filter expression, e.g. age>=18 (repeatable)")
	return cmd
}
