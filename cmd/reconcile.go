package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-cli/internal/reconcile"
	"github.com/sells-group/catalog-cli/internal/registry"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Diff a collection between the sheet and the document store and apply the changes",
	Long: `Compares every record of a collection across both stores and copies
differing fields from --from into --to. Rows changed on both sides since the
last sync are reported as conflicts; they are written source-wins unless
--skip-conflicts is set.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req := reconcile.Request{}
		req.Collection, _ = cmd.Flags().GetString("collection")
		req.Source, _ = cmd.Flags().GetString("from")
		req.Target, _ = cmd.Flags().GetString("to")
		req.Rows, _ = cmd.Flags().GetIntSlice("rows")
		req.DryRun, _ = cmd.Flags().GetBool("dry-run")
		req.OwnedOnly, _ = cmd.Flags().GetBool("owned-only")
		req.SkipConflicts = cfg.Reconcile.SkipConflicts
		if cmd.Flags().Changed("skip-conflicts") {
			req.SkipConflicts, _ = cmd.Flags().GetBool("skip-conflicts")
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initEnv(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Reconciler.Reconcile(ctx, req)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatReconcileResult(os.Stdout, res)
		if len(res.Failed) > 0 {
			return eris.Errorf("reconcile: %d rows failed to write", len(res.Failed))
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().String("collection", "", "collection to reconcile (required)")
	reconcileCmd.Flags().String("from", registry.StoreSheet, "source store: sheet or docs")
	reconcileCmd.Flags().String("to", registry.StoreDocs, "target store: sheet or docs")
	reconcileCmd.Flags().IntSlice("rows", nil, "limit to these row numbers")
	reconcileCmd.Flags().Bool("dry-run", false, "report the change set without writing")
	reconcileCmd.Flags().Bool("skip-conflicts", false, "leave rows changed on both sides untouched (default from config)")
	reconcileCmd.Flags().Bool("owned-only", false, "only compare fields owned by the source store")
	reconcileCmd.Flags().Bool("json", false, "print the result as JSON")
	_ = reconcileCmd.MarkFlagRequired("collection")
	rootCmd.AddCommand(reconcileCmd)
}

// formatReconcileResult writes the change set and a summary to w.
func formatReconcileResult(out io.Writer, res *reconcile.Result) {
	if len(res.Changes) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ROW\tFIELD\tKIND\tSOURCE\tTARGET\tCONFLICT")
		for _, c := range res.Changes {
			conflict := ""
			if c.Conflict {
				conflict = "yes"
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				c.RowNumber, c.Field, c.Kind, clip(c.SourceValue, 30), clip(c.TargetValue, 30), conflict)
		}
		_ = w.Flush()
		_, _ = fmt.Fprintln(out)
	}

	verb, applied := "Applied", len(res.Applied)
	if res.DryRun {
		verb, applied = "Would apply", pendingRows(res)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Direction:\t%s -> %s (%s)\n", res.Source, res.Target, res.Collection)
	_, _ = fmt.Fprintf(w, "Changes:\t%d\n", len(res.Changes))
	_, _ = fmt.Fprintf(w, "%s:\t%d rows\n", verb, applied)
	_, _ = fmt.Fprintf(w, "In sync:\t%d rows\n", res.InSync)
	_, _ = fmt.Fprintf(w, "Conflicts:\t%d rows\n", len(res.Conflicts))
	if len(res.Skipped) > 0 {
		_, _ = fmt.Fprintf(w, "Skipped:\t%v\n", res.Skipped)
	}
	for row, msg := range res.Failed {
		_, _ = fmt.Fprintf(w, "Failed row %d:\t%s\n", row, msg)
	}
	_ = w.Flush()
}

// pendingRows counts rows a dry run would write.
func pendingRows(res *reconcile.Result) int {
	rows := make(map[int]bool)
	for _, c := range res.Changes {
		if c.Applicable() {
			rows[c.RowNumber] = true
		}
	}
	return len(rows)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
