package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/jobs"
	"github.com/sells-group/catalog-cli/internal/model"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich records in-process and wait for the job to finish",
	Long:  "Runs one enrichment job over the given rows and/or supplier URLs: extract, generate content, normalize. New URLs are appended to the authoritative store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		collection, _ := cmd.Flags().GetString("collection")
		rows, _ := cmd.Flags().GetIntSlice("rows")
		urls, _ := cmd.Flags().GetStringSlice("urls")
		quiet, _ := cmd.Flags().GetBool("quiet")

		refs := buildRefs(rows, urls)
		if len(refs) == 0 {
			return eris.New("enrich: pass --rows and/or --urls")
		}

		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		id, err := env.Orchestrator.StartJob(ctx, collection, refs)
		if err != nil {
			return eris.Wrap(err, "enrich")
		}
		events, unsubscribe, err := env.Orchestrator.Subscribe(id)
		if err != nil {
			return eris.Wrap(err, "enrich: subscribe")
		}
		defer unsubscribe()

		var progress io.Writer = os.Stderr
		if quiet {
			progress = io.Discard
		}
	loop:
		for {
			select {
			case <-ctx.Done():
				zap.L().Warn("enrich: interrupted, cancelling job", zap.String("job_id", id))
				_ = env.Orchestrator.CancelJob(cmd.Context(), id)
				break loop
			case ev, ok := <-events:
				if !ok {
					break loop
				}
				printEvent(progress, ev)
			}
		}
		env.Orchestrator.Wait()

		job, err := env.Orchestrator.GetJob(cmd.Context(), id)
		if err != nil {
			return err
		}
		formatJobDetail(os.Stdout, job)
		if job.Status == model.JobStatusFailed {
			return eris.Errorf("enrich: job %s failed: %s", job.ID, job.Error)
		}
		return nil
	},
}

func init() {
	enrichCmd.Flags().String("collection", "", "collection to enrich (required)")
	enrichCmd.Flags().IntSlice("rows", nil, "existing row numbers to enrich")
	enrichCmd.Flags().StringSlice("urls", nil, "supplier page URLs to add as new records")
	enrichCmd.Flags().Bool("quiet", false, "suppress per-record progress")
	_ = enrichCmd.MarkFlagRequired("collection")
	rootCmd.AddCommand(enrichCmd)
}

// buildRefs turns row and URL flags into job inputs, rows first.
func buildRefs(rows []int, urls []string) []model.RecordRef {
	refs := make([]model.RecordRef, 0, len(rows)+len(urls))
	for _, r := range rows {
		refs = append(refs, model.RecordRef{RowNumber: r})
	}
	for _, u := range urls {
		if u != "" {
			refs = append(refs, model.RecordRef{SourceURL: u})
		}
	}
	return refs
}

func printEvent(w io.Writer, ev jobs.Event) {
	if ev.Type == jobs.EventRecord && ev.Record != nil {
		r := ev.Record
		line := fmt.Sprintf("  %-40s %s", r.RecordID, r.Stage)
		if r.ErrorMessage != "" {
			line += fmt.Sprintf("  (%s: %s)", r.ErrorKind, r.ErrorMessage)
		}
		_, _ = fmt.Fprintln(w, line)
		return
	}
	_, _ = fmt.Fprintf(w, "job %s %s %d/%d\n",
		truncateID(ev.Job.ID), ev.Job.Status, ev.Job.ProcessedCount, len(ev.Job.Records))
}
