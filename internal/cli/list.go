package cli

import (
	"github.com/spf13/cobra"

	"github.com/goliatone/go-relational-cache/jit"
	"github.com/goliatone/go-relational-cache/pkg/di"
	"github.com/goliatone/go-relational-cache/relationalcache"
)

type listOptions struct {
	where []string
	order []string
	desc  bool
	limit int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list <entity>",
		Short: "List the rows of an entity",
		Long: `List the rows of an entity. With --where the rows are resolved
through the identity cache; without it every row is read straight from
the store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, rootOpts, opts, args[0])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.where, "where", "w", nil, "filter expression, e.g. name~a% (repeatable)")
	cmd.Flags().StringSliceVar(&opts.order, "order", nil, "columns to order by")
	cmd.Flags().BoolVar(&opts.desc, "desc", false, "order descending")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "stop after n rows (0 for all)")
	return cmd
}

func runList(cmd *cobra.Command, rootOpts *RootOptions, opts *listOptions, entity string) error {
	ctx := cmd.Context()

	terms, joins, err := parseTerms(opts.where)
	if err != nil {
		return WrapExitError(ExitCommandError, "parsing --where", err)
	}
	if opts.limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	c, err := openContainer(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer c.Close()

	records, err := di.NewRecordCache(c, entity, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "building cache", err)
	}

	var findOpts []relationalcache.FindOption
	if len(opts.order) > 0 {
		findOpts = append(findOpts, relationalcache.OrderBy(opts.desc, opts.order...))
	}
	if len(joins) > 0 {
		findOpts = append(findOpts, relationalcache.Join(joins...))
	}

	var col *jit.Collection[relationalcache.Record]
	if len(terms) == 0 {
		col, err = records.List(ctx, findOpts...)
	} else {
		col, err = records.Find(ctx, terms, findOpts...)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "list", err)
	}

	var rows []relationalcache.Record
	for rec, err := range col.All(ctx) {
		if err != nil {
			return WrapExitError(ExitFailure, "list", err)
		}
		rows = append(rows, rec)
		if opts.limit > 0 && len(rows) == opts.limit {
			break
		}
	}

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	return out.Records(rows)
}
