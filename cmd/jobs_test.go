package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/config"
	"github.com/sells-group/catalog-cli/internal/jobs"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/store"
)

func sampleJobs() []model.Job {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(90 * time.Second)
	return []model.Job{
		{
			ID:             "abc12345-6789-0000-0000-000000000000",
			Collection:     "sinks",
			Records:        []model.RecordRef{{RowNumber: 2}, {RowNumber: 3}},
			Status:         model.JobStatusCompleted,
			ProcessedCount: 2,
			SuccessCount:   1,
			FailureCount:   1,
			CreatedAt:      now,
			StartedAt:      &now,
			CompletedAt:    &done,
			RecordStates: []model.JobRecordState{
				{RecordID: "row:2", RowNumber: 2, Stage: model.StageReady},
				{RecordID: "row:3", RowNumber: 3, Stage: model.StageFailed, ErrorKind: model.ErrExtraction, ErrorMessage: "fetch page: 404"},
			},
		},
		{
			ID:         "def12345-6789-0000-0000-000000000000",
			Collection: "faucets",
			Records:    []model.RecordRef{{SourceURL: "https://example.com/p/1"}},
			Status:     model.JobStatusQueued,
			CreatedAt:  now.Add(-time.Hour),
		},
	}
}

func TestFormatJobsList(t *testing.T) {
	var buf bytes.Buffer
	formatJobsList(&buf, sampleJobs())

	out := buf.String()
	assert.Contains(t, out, "COLLECTION")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "sinks")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "faucets")
	assert.Contains(t, out, "queued")
}

func TestFormatJobDetail(t *testing.T) {
	j := sampleJobs()[0]
	var buf bytes.Buffer
	formatJobDetail(&buf, &j)

	out := buf.String()
	assert.Contains(t, out, j.ID)
	assert.Contains(t, out, "2/2 (1 ok, 1 failed)")
	assert.Contains(t, out, "row:3")
	assert.Contains(t, out, "extraction_failure: fetch page: 404")
	assert.Contains(t, out, "ready")
}

func TestJobDuration_Unfinished(t *testing.T) {
	assert.Empty(t, jobDuration(sampleJobs()[1]))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestBuildRefs(t *testing.T) {
	refs := buildRefs([]int{4, 2}, []string{"https://example.com/a", ""})
	assert.Equal(t, []model.RecordRef{
		{RowNumber: 4},
		{RowNumber: 2},
		{SourceURL: "https://example.com/a"},
	}, refs)
	assert.Empty(t, buildRefs(nil, nil))
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, jobs.Event{Type: jobs.EventRecord, Record: &model.JobRecordState{
		RecordID: "row:3", Stage: model.StageFailed, ErrorKind: model.ErrExtraction, ErrorMessage: "timeout",
	}})
	printEvent(&buf, jobs.Event{Type: jobs.EventJob, Job: sampleJobs()[0]})

	out := buf.String()
	assert.Contains(t, out, "row:3")
	assert.Contains(t, out, "(extraction_failure: timeout)")
	assert.Contains(t, out, "job abc12345 completed 2/2")
}

func TestCancelRemoteJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/jobs/running/cancel":
			w.WriteHeader(http.StatusOK)
		case "/jobs/done/cancel":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"job already finished"}`))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, cancelRemoteJob(ctx, srv.Client(), srv.URL+"/", "running"))

	err := cancelRemoteJob(ctx, srv.Client(), srv.URL, "done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job already finished (status 409)")

	err = cancelRemoteJob(ctx, srv.Client(), srv.URL, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope (status 404)")
}

func TestWithJobStore_SQLite(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: t.TempDir() + "/jobs.db"}}
	ctx := context.Background()
	j := sampleJobs()[0]

	require.NoError(t, withJobStore(ctx, func(st store.Store) error {
		if err := st.CreateJob(ctx, &j); err != nil {
			return err
		}
		for _, rs := range j.RecordStates {
			if err := st.SaveRecordState(ctx, j.ID, rs); err != nil {
				return err
			}
		}
		return nil
	}))

	var got *model.Job
	require.NoError(t, withJobStore(ctx, func(st store.Store) error {
		var err error
		got, err = st.GetJob(ctx, j.ID)
		return err
	}))
	assert.Equal(t, j.Collection, got.Collection)
	assert.Len(t, got.RecordStates, 2)
}

func TestWithJobStore_Memory(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "memory"}}
	err := withJobStore(context.Background(), func(store.Store) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve API")
}

func TestRetryRemoteJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs/retry", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch body["collection"] {
		case "sinks":
			assert.Equal(t, "transient", body["error_type"])
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"job_id":"job-9","status":"queued","records":2}`))
		case "taps":
			_, _ = w.Write([]byte(`{"records":0}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"jobs: invalid job: unknown collection"}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	id, n, err := retryRemoteJobs(ctx, srv.Client(), srv.URL, "sinks", "transient")
	require.NoError(t, err)
	assert.Equal(t, "job-9", id)
	assert.Equal(t, 2, n)

	id, n, err = retryRemoteJobs(ctx, srv.Client(), srv.URL, "taps", "")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Zero(t, n)

	_, _, err = retryRemoteJobs(ctx, srv.Client(), srv.URL, "nope", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection (status 400)")
}

func TestFormatDLQ(t *testing.T) {
	next := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatDLQ(&buf, []resilience.DLQEntry{
		{
			Collection: "sinks", Ref: model.RecordRef{RowNumber: 3}, JobID: "abc12345-6789",
			Error: "fetch page: 503", ErrorKind: model.ErrExtraction, ErrorType: resilience.ErrorTransient,
			RetryCount: 1, MaxRetries: 3, NextRetryAt: next,
		},
		{
			Collection: "sinks", Ref: model.RecordRef{SourceURL: "https://example.com/p/9"}, JobID: "def",
			Error: "no source", ErrorType: resilience.ErrorPermanent, RetryCount: 3, MaxRetries: 3, NextRetryAt: next,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "row:3")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "extraction_failure: fetch page: 503")
	assert.Contains(t, out, "url:https://example.com/p/9")
	assert.Contains(t, out, "3/3 (exhausted)")
	assert.Contains(t, out, "2026-02-01 08:00")
}

func TestWithJobStore_DLQ(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: t.TempDir() + "/jobs.db"}}
	ctx := context.Background()
	now := time.Now().UTC()

	var entries []resilience.DLQEntry
	require.NoError(t, withJobStore(ctx, func(st store.Store) error {
		err := st.EnqueueDLQ(ctx, resilience.DLQEntry{
			ID: "sinks/row:3", Collection: "sinks", Ref: model.RecordRef{RowNumber: 3}, JobID: "j1",
			Error: "gone", ErrorType: resilience.ErrorPermanent, MaxRetries: 3,
			NextRetryAt: now, CreatedAt: now, LastFailedAt: now,
		})
		if err != nil {
			return err
		}
		entries, err = st.ListDLQ(ctx, resilience.DLQFilter{Collection: "sinks"})
		return err
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, "j1", entries[0].JobID)
}
