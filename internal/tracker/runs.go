package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// MLflow rejects log-batch requests above these sizes.
const (
	maxParamsPerBatch  = 100
	maxMetricsPerBatch = 1000
)

// RunInfo is the metadata of a run.
type RunInfo struct {
	RunID        string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	RunName      string    `json:"run_name"`
	Status       RunStatus `json:"status"`
	StartTime    int64     `json:"start_time"`
	EndTime      int64     `json:"end_time,omitempty"`
	ArtifactURI  string    `json:"artifact_uri"`
}

// Tag is a key/value pair attached to a run.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Param is a logged run parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metric is one logged metric value.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int     `json:"step"`
}

// Run is a run of the tracking server, bound to the client that created it.
type Run struct {
	client *Client
	Info   RunInfo
}

// ID returns the run ID.
func (r *Run) ID() string { return r.Info.RunID }

// CreateRun starts a RUNNING run in the experiment.
func (c *Client) CreateRun(ctx context.Context, experimentID, name string, tags map[string]string) (*Run, error) {
	body := struct {
		ExperimentID string `json:"experiment_id"`
		RunName      string `json:"run_name"`
		StartTime    int64  `json:"start_time"`
		Tags         []Tag  `json:"tags,omitempty"`
	}{
		ExperimentID: experimentID,
		RunName:      name,
		StartTime:    millis(time.Now()),
	}

	for _, k := range sortedKeys(tags) {
		body.Tags = append(body.Tags, Tag{Key: k, Value: tags[k]})
	}

	resp, err := post[struct {
		Run struct {
			Info RunInfo `json:"info"`
		} `json:"run"`
	}](ctx, c, "/api/2.0/mlflow/runs/create", body)
	if err != nil {
		return nil, errors.Wrapf(err, "create run %q", name)
	}

	return &Run{client: c, Info: resp.Run.Info}, nil
}

// UpdateRun sets the status of a run. Terminal statuses also set its end time.
func (c *Client) UpdateRun(ctx context.Context, runID string, status RunStatus) error {
	body := struct {
		RunID   string    `json:"run_id"`
		Status  RunStatus `json:"status"`
		EndTime int64     `json:"end_time,omitempty"`
	}{RunID: runID, Status: status}

	if status != RunStatusRunning {
		body.EndTime = millis(time.Now())
	}

	_, err := post[empty](ctx, c, "/api/2.0/mlflow/runs/update", body)

	return errors.Wrapf(err, "set run %s to %s", runID, status)
}

// LogBatch logs params and metrics of a run, splitting them into as many
// requests as MLflow's batch limits require.
func (c *Client) LogBatch(ctx context.Context, runID string, params []Param, metrics []Metric) error {
	for len(params) > 0 || len(metrics) > 0 {
		np := min(len(params), maxParamsPerBatch)
		nm := min(len(metrics), maxMetricsPerBatch)

		body := struct {
			RunID   string   `json:"run_id"`
			Params  []Param  `json:"params"`
			Metrics []Metric `json:"metrics"`
		}{RunID: runID, Params: params[:np], Metrics: metrics[:nm]}

		if _, err := post[empty](ctx, c, "/api/2.0/mlflow/runs/log-batch", body); err != nil {
			return errors.Wrapf(err, "log batch to run %s", runID)
		}

		params, metrics = params[np:], metrics[nm:]
	}

	return nil
}

// LogParams logs params, formatted with %v, in key order.
func (r *Run) LogParams(ctx context.Context, params map[string]any) error {
	batch := make([]Param, 0, len(params))
	for _, k := range sortedKeys(params) {
		batch = append(batch, Param{Key: k, Value: fmt.Sprint(params[k])})
	}

	return r.client.LogBatch(ctx, r.ID(), batch, nil)
}

// LogMetrics logs one value per metric at step, in key order.
func (r *Run) LogMetrics(ctx context.Context, step int, metrics map[string]float64) error {
	now := millis(time.Now())

	batch := make([]Metric, 0, len(metrics))
	for _, k := range sortedKeys(metrics) {
		batch = append(batch, Metric{Key: k, Value: metrics[k], Timestamp: now, Step: step})
	}

	return r.client.LogBatch(ctx, r.ID(), nil, batch)
}

// LogArtifact uploads content as the run artifact at artifactPath (relative
// to the run's artifact root, e.g. "model/model.bin"). It needs a tracking
// server that proxies artifacts (the default of "mlflow server").
func (r *Run) LogArtifact(ctx context.Context, artifactPath string, content io.Reader) error {
	_, err := request[empty](ctx, r.client, reqConfig{
		Method:      http.MethodPut,
		Path:        path.Join("/api/2.0/mlflow-artifacts/artifacts", r.artifactRoot(), artifactPath),
		RawBody:     content,
		ContentType: "application/octet-stream",
	})

	return errors.Wrapf(err, "upload artifact %s of run %s", artifactPath, r.ID())
}

// ArtifactURI returns the URI of an artifact of the run, as used for model
// version sources.
func (r *Run) ArtifactURI(artifactPath string) string {
	if r.Info.ArtifactURI != "" {
		return strings.TrimSuffix(r.Info.ArtifactURI, "/") + "/" + artifactPath
	}

	return "runs:/" + r.ID() + "/" + artifactPath
}

// artifactRoot is the run's artifact root relative to the artifact proxy.
func (r *Run) artifactRoot() string {
	if root, ok := strings.CutPrefix(r.Info.ArtifactURI, "mlflow-artifacts:"); ok {
		return strings.TrimLeft(root, "/")
	}

	return path.Join(r.Info.ExperimentID, r.ID(), "artifacts")
}

// WithRun creates a run, hands it to fn and always ends it: FINISHED when fn
// succeeds (even if ctx is cancelled afterwards), KILLED when fn fails after
// ctx was cancelled, FAILED when fn returns any other error or panics. Panics are re-raised once the run is ended.
func (c *Client) WithRun(ctx context.Context, experimentID, name string, tags map[string]string, fn func(ctx context.Context, run *Run) error) (err error) {
	run, err := c.CreateRun(ctx, experimentID, name, tags)
	if err != nil {
		return err
	}

	klog.Infof("started run %q (id %s) in experiment %s", name, run.ID(), experimentID)

	defer func() {
		recovered := recover()

		status := RunStatusFinished

		switch {
		case recovered != nil:
			status = RunStatusFailed
		case err != nil && ctx.Err() != nil:
			status = RunStatusKilled
		case err != nil:
			status = RunStatusFailed
		}

		// The run must be ended even if ctx is done.
		if endErr := c.UpdateRun(context.WithoutCancel(ctx), run.ID(), status); endErr != nil {
			klog.Warningf("could not end run %s as %s: %v", run.ID(), status, endErr)

			if err == nil && recovered == nil {
				err = endErr
			}
		} else {
			klog.Infof("run %q ended as %s", name, status)
		}

		if recovered != nil {
			panic(recovered)
		}
	}()

	return fn(ctx, run)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
