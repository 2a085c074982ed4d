package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/rules"
	"github.com/sells-group/catalog-cli/pkg/sheets"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the normalization rule tables",
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Load the rule tables and print them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		category, _ := cmd.Flags().GetString("category")

		if err := cfg.Validate("rules"); err != nil {
			return err
		}

		var client sheets.Client
		if cfg.Rules.Source == "sheets" {
			c, err := newSheetsClient(ctx)
			if err != nil {
				return err
			}
			client = c
		}

		set, err := rules.NewCache(rulesSource(client)).Reload(ctx)
		if err != nil {
			return eris.Wrap(err, "load rules")
		}

		cats := model.AllCategories
		if category != "" {
			c := model.RuleCategory(category)
			if !slices.Contains(model.AllCategories, c) {
				return eris.Errorf("unknown rule category %q", category)
			}
			cats = []model.RuleCategory{c}
		}
		formatRules(os.Stdout, set, cats)
		return nil
	},
}

func init() {
	rulesShowCmd.Flags().String("category", "", "only print this category")
	rulesCmd.AddCommand(rulesShowCmd)
	rootCmd.AddCommand(rulesCmd)
}

// formatRules prints each category's rules in match order.
func formatRules(out io.Writer, set *rules.Set, cats []model.RuleCategory) {
	for i, c := range cats {
		if i > 0 {
			_, _ = fmt.Fprintln(out)
		}
		list := set.Table(c).Rules()
		_, _ = fmt.Fprintf(out, "%s (%d)\n", c, len(list))
		if len(list) == 0 {
			continue
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  SEARCH TERM\tSTANDARD VALUE")
		for _, r := range list {
			std := r.StandardValue
			if std == "" {
				std = "(clear)"
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\n", r.SearchTerm, std)
		}
		_ = w.Flush()
	}
}
