package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control enrichment jobs",
	Long:  "Lists and shows jobs and dead-lettered records from the job store; cancels and retries through the serve API.",
}

// withJobStore opens the configured job store for the duration of fn.
func withJobStore(ctx context.Context, fn func(store.Store) error) error {
	conns := newConnections()
	defer conns.Close()
	st, err := openJobStore(ctx, conns)
	if err != nil {
		return err
	}
	if st == nil {
		return eris.New("job store driver is memory; query the serve API instead")
	}
	return fn(st)
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		return withJobStore(cmd.Context(), func(st store.Store) error {
			list, err := st.ListJobs(cmd.Context(), store.JobFilter{
				Collection: collection,
				Status:     model.JobStatus(status),
				Limit:      limit,
			})
			if err != nil {
				return eris.Wrap(err, "jobs list")
			}
			if len(list) == 0 {
				fmt.Fprintln(os.Stderr, "No jobs found.")
				return nil
			}
			formatJobsList(os.Stdout, list)
			return nil
		})
	},
}

// -- jobs status --

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job with its per-record states",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withJobStore(cmd.Context(), func(st store.Store) error {
			job, err := st.GetJob(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return eris.Wrap(err, "jobs status")
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(job)
			}
			formatJobDetail(os.Stdout, job)
			return nil
		})
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job on the serve API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		if err := cancelRemoteJob(cmd.Context(), http.DefaultClient, server, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Job %s cancelled.\n", args[0])
		return nil
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resubmit dead-lettered records on the serve API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		server, _ := cmd.Flags().GetString("server")
		collection, _ := cmd.Flags().GetString("collection")
		errorType, _ := cmd.Flags().GetString("error-type")
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		id, n, err := retryRemoteJobs(cmd.Context(), http.DefaultClient, server, collection, errorType)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(os.Stderr, "No dead-lettered records are due for retry.")
			return nil
		}
		fmt.Fprintf(os.Stdout, "Job %s queued with %d records.\n", id, n)
		return nil
	},
}

// -- jobs dlq --

var jobsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		errorType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		return withJobStore(cmd.Context(), func(st store.Store) error {
			entries, err := st.ListDLQ(cmd.Context(), resilience.DLQFilter{
				Collection: collection,
				ErrorType:  errorType,
				Limit:      limit,
			})
			if err != nil {
				return eris.Wrap(err, "jobs dlq")
			}
			if len(entries) == 0 {
				fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
				return nil
			}
			formatDLQ(os.Stdout, entries)
			return nil
		})
	},
}

func init() {
	jobsListCmd.Flags().String("collection", "", "filter by collection")
	jobsListCmd.Flags().String("status", "", "filter by status (queued, running, completed, failed, cancelled)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsStatusCmd.Flags().Bool("json", false, "print the job as JSON")

	jobsCancelCmd.Flags().String("server", "", "serve API base URL (default http://localhost:<server.port>)")

	jobsRetryCmd.Flags().String("server", "", "serve API base URL (default http://localhost:<server.port>)")
	jobsRetryCmd.Flags().String("collection", "", "collection whose records to retry")
	jobsRetryCmd.Flags().String("error-type", "", "only retry transient or permanent failures")
	_ = jobsRetryCmd.MarkFlagRequired("collection")

	jobsDLQCmd.Flags().String("collection", "", "filter by collection")
	jobsDLQCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	jobsDLQCmd.Flags().Int("limit", 100, "max number of entries to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsDLQCmd)
	rootCmd.AddCommand(jobsCmd)
}

// cancelRemoteJob posts a cancel request and maps the API's error body.
func cancelRemoteJob(ctx context.Context, hc *http.Client, server, id string) error {
	return eris.Wrap(postJobsAPI(ctx, hc, server, "/jobs/"+id+"/cancel", nil, nil), "jobs cancel")
}

// retryRemoteJobs asks the serve API to resubmit dead-lettered records. It
// returns the new job's id and record count; 0 records means none were due.
func retryRemoteJobs(ctx context.Context, hc *http.Client, server, collection, errorType string) (string, int, error) {
	var resp struct {
		JobID   string `json:"job_id"`
		Records int    `json:"records"`
	}
	body := map[string]string{"collection": collection}
	if errorType != "" {
		body["error_type"] = errorType
	}
	if err := postJobsAPI(ctx, hc, server, "/jobs/retry", body, &resp); err != nil {
		return "", 0, eris.Wrap(err, "jobs retry")
	}
	return resp.JobID, resp.Records, nil
}

// postJobsAPI posts body as JSON and decodes a 2xx response into out. Other
// statuses become an error carrying the API's error message.
func postJobsAPI(ctx context.Context, hc *http.Client, server, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(data)
	}
	url := strings.TrimRight(server, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return eris.Wrap(err, "is the server running?")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return eris.Wrap(err, "decode response")
			}
		}
		return nil
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(data))
	}
	return eris.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
}

// formatDLQ writes dead letter entries as a table.
func formatDLQ(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RECORD\tCOLLECTION\tTYPE\tRETRIES\tNEXT RETRY\tJOB\tERROR")
	for _, e := range entries {
		msg := e.Error
		if e.ErrorKind != "" {
			msg = string(e.ErrorKind) + ": " + msg
		}
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		retries := fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries)
		if !e.CanRetry() {
			retries += " (exhausted)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Ref.ID(),
			e.Collection,
			e.ErrorType,
			retries,
			e.NextRetryAt.Format("2006-01-02 15:04"),
			truncateID(e.JobID),
			msg,
		)
	}
	_ = w.Flush()
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, list []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOLLECTION\tSTATUS\tRECORDS\tOK\tFAILED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----------\t------\t-------\t--\t------\t-------\t--------")

	for _, j := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(j.ID),
			j.Collection,
			j.Status,
			len(j.Records),
			j.SuccessCount,
			j.FailureCount,
			j.CreatedAt.Format("2006-01-02 15:04"),
			jobDuration(j),
		)
	}
	_ = w.Flush()
}

// formatJobDetail writes a job summary followed by one line per record.
func formatJobDetail(out io.Writer, j *model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", j.ID)
	_, _ = fmt.Fprintf(w, "Collection:\t%s\n", j.Collection)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	_, _ = fmt.Fprintf(w, "Processed:\t%d/%d (%d ok, %d failed)\n",
		j.ProcessedCount, len(j.Records), j.SuccessCount, j.FailureCount)
	if d := jobDuration(*j); d != "" {
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", d)
	}
	if j.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", j.Error)
	}
	_ = w.Flush()

	if len(j.RecordStates) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RECORD\tROW\tSTAGE\tERROR")
	for _, s := range j.RecordStates {
		row := ""
		if s.RowNumber > 0 {
			row = fmt.Sprint(s.RowNumber)
		}
		msg := s.ErrorMessage
		if s.ErrorKind != "" {
			msg = string(s.ErrorKind) + ": " + msg
		}
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.RecordID, row, s.Stage, msg)
	}
	_ = w.Flush()
}

func jobDuration(j model.Job) string {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return ""
	}
	return j.CompletedAt.Sub(*j.StartedAt).Round(time.Second).String()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
