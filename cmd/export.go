package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-cli/internal/exchange"
	"github.com/sells-group/catalog-cli/internal/registry"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every record of a collection to a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		collection, _ := cmd.Flags().GetString("collection")
		path, _ := cmd.Flags().GetString("file")
		source, _ := cmd.Flags().GetString("store")

		env, err := initEnv(ctx, "exchange")
		if err != nil {
			return err
		}
		defer env.Close()

		coll, err := env.Registry.Collection(collection)
		if err != nil {
			return err
		}
		a, err := env.Stores.Get(source)
		if err != nil {
			return err
		}

		t, err := exchange.Export(ctx, a, coll)
		if err != nil {
			return err
		}
		if err := exchange.WriteFile(path, coll.Name, t); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d %s records from %s to %s\n", len(t.Rows), coll.Name, source, path)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("collection", "", "collection to export (required)")
	exportCmd.Flags().String("file", "", "output path, .csv or .xlsx (required)")
	exportCmd.Flags().String("store", registry.StoreSheet, "store to read: sheet or docs")
	_ = exportCmd.MarkFlagRequired("collection")
	_ = exportCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(exportCmd)
}
