package tracker

import (
	"context"

	"github.com/pkg/errors"
)

// ModelVersion is a version of a registered model.
type ModelVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source"`
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
}

// CreateRegisteredModel registers a model name. An existing name is not an
// error.
func (c *Client) CreateRegisteredModel(ctx context.Context, name string) error {
	_, err := post[empty](ctx, c, "/api/2.0/mlflow/registered-models/create", map[string]string{"name": name})
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}

	return errors.Wrapf(err, "register model %q", name)
}

// CreateModelVersion adds a version of the registered model name, built from
// source (an artifact URI) produced by the run.
func (c *Client) CreateModelVersion(ctx context.Context, name, source, runID string) (ModelVersion, error) {
	resp, err := post[struct {
		ModelVersion ModelVersion `json:"model_version"`
	}](ctx, c, "/api/2.0/mlflow/model-versions/create", map[string]string{
		"name":   name,
		"source": source,
		"run_id": runID,
	})
	if err != nil {
		return ModelVersion{}, errors.Wrapf(err, "create version of model %q", name)
	}

	return resp.ModelVersion, nil
}

// RegisterModel registers the run artifact at artifactPath, which must
// already be uploaded, as a new version of the model name.
func (r *Run) RegisterModel(ctx context.Context, name, artifactPath string) (ModelVersion, error) {
	if err := r.client.CreateRegisteredModel(ctx, name); err != nil {
		return ModelVersion{}, err
	}

	return r.client.CreateModelVersion(ctx, name, r.ArtifactURI(artifactPath), r.ID())
}
