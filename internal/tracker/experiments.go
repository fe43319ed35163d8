package tracker

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Experiment groups runs.
type Experiment struct {
	ID               string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
}

// GetExperimentByName returns an error matching ErrNotFound when no
// experiment has that name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (Experiment, error) {
	resp, err := get[struct {
		Experiment Experiment `json:"experiment"`
	}](ctx, c, "/api/2.0/mlflow/experiments/get-by-name", url.Values{"experiment_name": {name}})
	if err != nil {
		return Experiment{}, errors.Wrapf(err, "get experiment %q", name)
	}

	return resp.Experiment, nil
}

// CreateExperiment returns the new experiment's ID, or an error matching
// ErrAlreadyExists.
func (c *Client) CreateExperiment(ctx context.Context, name string) (string, error) {
	resp, err := post[struct {
		ExperimentID string `json:"experiment_id"`
	}](ctx, c, "/api/2.0/mlflow/experiments/create", map[string]string{"name": name})
	if err != nil {
		return "", errors.Wrapf(err, "create experiment %q", name)
	}

	return resp.ExperimentID, nil
}

// GetOrCreateExperiment returns the ID of the experiment called name,
// creating it if needed. When another process creates it first, the
// existing experiment is read back, so repeated and concurrent calls agree on
// one ID.
func (c *Client) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	exp, err := c.GetExperimentByName(ctx, name)
	if err == nil {
		return exp.ID, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id, err := c.CreateExperiment(ctx, name)
	if err == nil {
		klog.Infof("created experiment %q (id %s)", name, id)

		return id, nil
	}

	if !errors.Is(err, ErrAlreadyExists) {
		return "", err
	}

	exp, err = c.GetExperimentByName(ctx, name)
	if err != nil {
		return "", err
	}

	return exp.ID, nil
}
