package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/exchange"
	"github.com/sells-group/catalog-cli/internal/registry"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Apply a CSV or XLSX file to a collection",
	Long: `Reads a table exported by "export" (or written by hand) and applies it row by
row. The _action column selects what happens: DELETE removes the record,
UPDATE overwrites it, and an empty action inserts rows that do not exist yet.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		collection, _ := cmd.Flags().GetString("collection")
		path, _ := cmd.Flags().GetString("file")
		target, _ := cmd.Flags().GetString("store")
		key, _ := cmd.Flags().GetString("key")

		t, err := exchange.ReadFile(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "exchange")
		if err != nil {
			return err
		}
		defer env.Close()

		coll, err := env.Registry.Collection(collection)
		if err != nil {
			return err
		}
		a, err := env.Stores.Get(target)
		if err != nil {
			return err
		}

		res, err := exchange.Import(ctx, a, coll, t, key)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("collection", collection),
			zap.String("store", target),
			zap.String("file", path),
			zap.Int("inserted", res.Inserted),
			zap.Int("updated", res.Updated),
			zap.Int("deleted", res.Deleted),
		)
		formatImportResult(os.Stdout, res)
		if len(res.Errors) > 0 {
			return eris.Errorf("import: %d rows rejected", len(res.Errors))
		}
		return nil
	},
}

func init() {
	importCmd.Flags().String("collection", "", "collection to import into (required)")
	importCmd.Flags().String("file", "", "path to a .csv or .xlsx file (required)")
	importCmd.Flags().String("store", registry.StoreSheet, "store to write: sheet or docs")
	importCmd.Flags().String("key", "", "field used to match rows without row_number (default: collection natural key)")
	_ = importCmd.MarkFlagRequired("collection")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

func formatImportResult(out io.Writer, res *exchange.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Inserted:\t%d\n", res.Inserted)
	_, _ = fmt.Fprintf(w, "Updated:\t%d\n", res.Updated)
	_, _ = fmt.Fprintf(w, "Deleted:\t%d\n", res.Deleted)
	_, _ = fmt.Fprintf(w, "Unchanged:\t%d\n", res.Skipped)
	for _, e := range res.Errors {
		_, _ = fmt.Fprintf(w, "Line %d:\t%s\n", e.Line, e.Err)
	}
	_ = w.Flush()
}
