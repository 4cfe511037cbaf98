package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Complete reservations whose grace period has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				result, err := a.reservations.AutoCompleteSweep(ctx, a.now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completed %d, failed %d\n", result.Completed, result.Failed)
				for _, item := range result.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s (%s)\n", item.ID, item.Message, item.Kind)
				}
				return nil
			})
		},
	}
}

func newExpandCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expand [rule-id...]",
		Short: "Materialise occurrences of the given rules, or of every active rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					results, err := a.recurrences.ExpandActive(ctx)
					if err != nil {
						return err
					}
					for _, r := range results {
						fmt.Fprintf(out, "%s: created %d, skipped %d, failed %d\n", r.RuleID, len(r.Created), len(r.Skipped), len(r.Failed))
					}
					fmt.Fprintf(out, "expanded %d rule(s)\n", len(results))
					return nil
				}
				for _, id := range args {
					r, err := a.recurrences.Expand(ctx, id)
					if err != nil {
						return fmt.Errorf("expand %s: %w", id, err)
					}
					fmt.Fprintf(out, "%s: created %d, skipped %d, failed %d (%s)\n", r.RuleID, len(r.Created), len(r.Skipped), len(r.Failed), r.RuleStatus)
				}
				return nil
			})
		},
	}
}
