package pipeline

import (
	"bytes"
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	ho "github.com/thalesfsp/hotrain"
	"github.com/thalesfsp/hotrain/internal/dataset"
	"github.com/thalesfsp/hotrain/internal/model"
	"github.com/thalesfsp/hotrain/internal/tracker"
)

// ModelArtifactPath is where the trained model is stored among the run's
// artifacts.
const ModelArtifactPath = "model/model.bin"

// ProductionConfig configures RunProduction.
type ProductionConfig struct {
	StudyName string
	Storage   ho.Storage
	Tracker   *tracker.Client

	// Train is the full training set.
	Train    *dataset.Dataset
	NewModel ModelFactory

	// Now names the run; defaults to time.Now.
	Now func() time.Time
}

// ProductionResult describes a finished production run.
type ProductionResult struct {
	RunID           string
	RunName         string
	Hyperparameters model.Hyperparameters
	History         model.History
	ModelVersion    tracker.ModelVersion
}

// RunName returns the tracker run name for a production run started at t.
func RunName(t time.Time) string {
	return "production-" + t.Format("20060102-150405")
}

// RunProduction retrains a fresh model with the best parameters of the study
// on the full training set, inside a tracker run of the experiment named
// after the study. The run gets the parameters, each epoch's metrics (epoch e
// at step e+1), the model artifact and a new version of the registered model
// named after the study.
//
// It fails with ho.ErrStudyNotFound when the study does not exist, and with
// ho.ErrNoCompletedTrials when it has no completed trial. The run is always
// ended: FINISHED, FAILED or KILLED (see tracker.Client.WithRun).
func RunProduction(ctx context.Context, cfg ProductionConfig) (ProductionResult, error) {
	var result ProductionResult

	klog.Infof("loading study %q...", cfg.StudyName)

	study, found, err := ho.LookupStudy(ctx, cfg.StudyName, cfg.Storage)
	if err != nil {
		return result, errors.Wrapf(err, "load study %q", cfg.StudyName)
	}

	if !found {
		return result, errors.Wrapf(ho.ErrStudyNotFound, "study %q", cfg.StudyName)
	}

	best, err := study.BestParams(ctx)
	if err != nil {
		return result, err
	}

	if result.Hyperparameters, err = HyperparametersFromParams(best); err != nil {
		return result, errors.Wrapf(err, "best parameters of study %q", cfg.StudyName)
	}

	experimentID, err := cfg.Tracker.GetOrCreateExperiment(ctx, cfg.StudyName)
	if err != nil {
		return result, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	result.RunName = RunName(now())
	tags := map[string]string{"study_name": cfg.StudyName}

	err = cfg.Tracker.WithRun(ctx, experimentID, result.RunName, tags, func(ctx context.Context, run *tracker.Run) error {
		result.RunID = run.ID()
		hp := result.Hyperparameters

		klog.Infof("training production model with %+v on %s examples", hp, humanize.Comma(int64(cfg.Train.Len())))

		classifier := cfg.NewModel()

		history, err := classifier.FitProduction(ctx, cfg.Train, hp)
		if err != nil {
			return errors.Wrap(err, "fit production model")
		}

		result.History = history

		if err := run.LogParams(ctx, ParamsOf(hp)); err != nil {
			return err
		}

		for epoch := 0; epoch < hp.Epochs; epoch++ {
			if err := run.LogMetrics(ctx, epoch+1, history.AtEpoch(epoch)); err != nil {
				return err
			}
		}

		var buf bytes.Buffer
		if err := classifier.Save(&buf); err != nil {
			return err
		}

		size := buf.Len()
		if err := run.LogArtifact(ctx, ModelArtifactPath, &buf); err != nil {
			return err
		}

		klog.V(1).Infof("uploaded %s (%s)", ModelArtifactPath, humanize.Bytes(uint64(size)))

		result.ModelVersion, err = run.RegisterModel(ctx, cfg.StudyName, ModelArtifactPath)
		if err != nil {
			return err
		}

		klog.Infof("registered model %q version %s", cfg.StudyName, result.ModelVersion.Version)

		return nil
	})

	return result, err
}
