package tracker_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hotrain/internal/tracker"
	"github.com/thalesfsp/hotrain/internal/tracker/trackertest"
)

func newClient(t *testing.T) (*tracker.Client, *trackertest.Server) {
	t.Helper()

	server := trackertest.NewServer(t)
	client, err := tracker.New(server.URL)
	require.NoError(t, err)

	return client, server
}

func TestNewRejectsNonHTTPURI(t *testing.T) {
	_, err := tracker.New("file:///tmp/mlruns")
	assert.Error(t, err)
}

func TestGetOrCreateExperimentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)

	_, err := client.GetExperimentByName(ctx, "mnist-hyperparam")
	assert.ErrorIs(t, err, tracker.ErrNotFound)

	first, err := client.GetOrCreateExperiment(ctx, "mnist-hyperparam")
	require.NoError(t, err)

	second, err := client.GetOrCreateExperiment(ctx, "mnist-hyperparam")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, server.Experiments(), 1)
}

func TestGetOrCreateExperimentLosesCreationRace(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)

	// Another creator gets in between the lookup and the create.
	raced := false
	server.BeforeCreateExperiment = func(name string) {
		if !raced {
			raced = true
			server.AddExperiment(name)
		}
	}

	id, err := client.GetOrCreateExperiment(ctx, "raced")
	require.NoError(t, err)
	assert.Equal(t, server.Experiments()["raced"], id)

	_, err = client.CreateExperiment(ctx, "raced")
	assert.ErrorIs(t, err, tracker.ErrAlreadyExists)
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer server.Close()

	client, err := tracker.New(server.URL)
	require.NoError(t, err)

	_, err = client.GetExperimentByName(context.Background(), "x")

	var apiErr *tracker.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "upstream timeout", apiErr.Message)
	assert.NotErrorIs(t, err, tracker.ErrNotFound)
}

func TestWithRunFinished(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)

	expID, err := client.GetOrCreateExperiment(ctx, "exp")
	require.NoError(t, err)

	err = client.WithRun(ctx, expID, "production-20240101-000000", map[string]string{"study": "exp"}, func(ctx context.Context, run *tracker.Run) error {
		if err := run.LogParams(ctx, map[string]any{"num_hidden": 32, "learning_rate": 0.001}); err != nil {
			return err
		}

		for step := 1; step <= 2; step++ {
			if err := run.LogMetrics(ctx, step, map[string]float64{"loss": 1 / float64(step), "accuracy": 0.5}); err != nil {
				return err
			}
		}

		if err := run.LogArtifact(ctx, "model/model.bin", bytes.NewReader([]byte("weights"))); err != nil {
			return err
		}

		version, err := run.RegisterModel(ctx, "exp", "model/model.bin")
		if err != nil {
			return err
		}

		assert.Equal(t, "1", version.Version)

		return nil
	})
	require.NoError(t, err)

	runs := server.Runs()
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, tracker.RunStatusFinished, run.Info.Status)
	assert.NotZero(t, run.Info.EndTime)
	assert.Equal(t, "production-20240101-000000", run.Info.RunName)
	assert.Equal(t, []tracker.Tag{{Key: "study", Value: "exp"}}, run.Tags)

	lr, ok := run.Param("learning_rate")
	assert.True(t, ok)
	assert.Equal(t, "0.001", lr)
	assert.Equal(t, []int{1, 2}, run.Steps())
	require.Len(t, run.Metrics, 4)
	assert.Equal(t, "accuracy", run.Metrics[0].Key)

	data, ok := server.Artifact(expID + "/" + run.Info.RunID + "/artifacts/model/model.bin")
	require.True(t, ok)
	assert.Equal(t, "weights", string(data))

	versions := server.ModelVersions("exp")
	require.Len(t, versions, 1)
	assert.Equal(t, run.Info.RunID, versions[0].RunID)
	assert.Equal(t, "mlflow-artifacts:/"+expID+"/"+run.Info.RunID+"/artifacts/model/model.bin", versions[0].Source)
}

func TestWithRunFailed(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)
	errFit := errors.New("fit exploded")

	err := client.WithRun(ctx, "1", "failing", nil, func(context.Context, *tracker.Run) error {
		return errFit
	})
	assert.ErrorIs(t, err, errFit)

	require.Len(t, server.Runs(), 1)
	assert.Equal(t, tracker.RunStatusFailed, server.Runs()[0].Info.Status)
}

func TestWithRunPanics(t *testing.T) {
	client, server := newClient(t)

	assert.PanicsWithValue(t, "boom", func() {
		_ = client.WithRun(context.Background(), "1", "panicking", nil, func(context.Context, *tracker.Run) error {
			panic("boom")
		})
	})

	require.Len(t, server.Runs(), 1)
	assert.Equal(t, tracker.RunStatusFailed, server.Runs()[0].Info.Status)
}

func TestWithRunKilled(t *testing.T) {
	client, server := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := client.WithRun(ctx, "1", "cancelled", nil, func(ctx context.Context, _ *tracker.Run) error {
		cancel()

		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, server.Runs(), 1)
	assert.Equal(t, tracker.RunStatusKilled, server.Runs()[0].Info.Status)
}

func TestWithRunCancelledAfterSuccess(t *testing.T) {
	client, server := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := client.WithRun(ctx, "1", "done", nil, func(ctx context.Context, _ *tracker.Run) error {
		cancel()

		return nil
	})
	require.NoError(t, err)

	require.Len(t, server.Runs(), 1)
	assert.Equal(t, tracker.RunStatusFinished, server.Runs()[0].Info.Status)
}

func TestLogBatchSplitsLargeBatches(t *testing.T) {
	ctx := context.Background()
	client, server := newClient(t)

	run, err := client.CreateRun(ctx, "1", "big", nil)
	require.NoError(t, err)

	metrics := make([]tracker.Metric, 2500)
	for i := range metrics {
		metrics[i] = tracker.Metric{Key: "loss", Value: float64(i), Step: i}
	}

	require.NoError(t, client.LogBatch(ctx, run.ID(), nil, metrics))
	assert.Len(t, server.Runs()[0].Metrics, 2500)
}
