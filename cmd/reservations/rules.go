package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/reservation-engine/internal/application"
	httptransport "github.com/example/reservation-engine/internal/http"
)

// ruleFile is the document accepted by "rules import".
type ruleFile struct {
	Rules []httptransport.RuleRequest `yaml:"rules"`
}

type importOptions struct {
	noExpand bool
	dryRun   bool
}

func newRulesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage recurrence rules",
	}
	cmd.AddCommand(newRulesImportCommand(opts))
	return cmd
}

func newRulesImportCommand(opts *rootOptions) *cobra.Command {
	importOpts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create recurrence rules from a YAML file (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requests, err := readRuleFile(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return importRules(ctx, a, requests, *importOpts, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&importOpts.noExpand, "no-expand", false, "store rules without materialising occurrences")
	cmd.Flags().BoolVar(&importOpts.dryRun, "dry-run", false, "validate and preview rules without storing them")
	return cmd
}

func readRuleFile(path string, stdin io.Reader) ([]httptransport.RuleRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open rule file: %w", err)
		}
		defer f.Close()
		r = f
	}

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var doc ruleFile
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("rule file is empty")
		}
		return nil, fmt.Errorf("decode rule file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, errors.New("rule file has no rules")
	}
	return doc.Rules, nil
}

// importRules creates every rule independently; a failed rule does not stop
// the rest, but the command reports failure when any rule failed.
func importRules(ctx context.Context, a *app, requests []httptransport.RuleRequest, opts importOptions, out io.Writer) error {
	loc := a.cfg.Location()
	failed := 0
	for i, req := range requests {
		label := fmt.Sprintf("rule %d (%s/%s)", i+1, req.TrainerID, req.ClientID)

		input, fieldErrors := req.ToInput(loc)
		if len(fieldErrors) > 0 {
			failed++
			fmt.Fprintf(out, "%s: invalid %s\n", label, formatFieldErrors(fieldErrors))
			continue
		}

		if opts.dryRun {
			occurrences, err := a.recurrences.Preview(input)
			if err != nil {
				failed++
				fmt.Fprintf(out, "%s: %v\n", label, err)
				continue
			}
			fmt.Fprintf(out, "%s: valid, %d occurrence(s)\n", label, len(occurrences))
			continue
		}

		rule, expansion, err := a.recurrences.CreateRule(ctx, input, !opts.noExpand)
		if errors.Is(err, application.ErrExpansionFailed) {
			failed++
			fmt.Fprintf(out, "%s: created %s but expansion failed, run `expand %s`: %v\n", label, rule.ID, rule.ID, err)
			continue
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", label, err)
			continue
		}
		if expansion == nil {
			fmt.Fprintf(out, "%s: created %s\n", label, rule.ID)
			continue
		}
		fmt.Fprintf(out, "%s: created %s with %d occurrence(s), %d skipped, %d failed\n",
			label, rule.ID, len(expansion.Created), len(expansion.Skipped), len(expansion.Failed))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rule(s) failed", failed, len(requests))
	}
	return nil
}

func formatFieldErrors(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+fields[key])
	}
	return strings.Join(parts, "; ")
}
