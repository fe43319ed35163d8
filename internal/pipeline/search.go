package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	ho "github.com/thalesfsp/hotrain"
	"github.com/thalesfsp/hotrain/internal/dataset"
	"github.com/thalesfsp/hotrain/internal/model"
	"github.com/thalesfsp/hotrain/internal/tracker"
)

// SearchConfig configures RunSearch.
type SearchConfig struct {
	StudyName string
	Storage   ho.Storage

	// Tracker, when set, gets one run per finished trial in the experiment
	// named after the study.
	Tracker *tracker.Client

	Train, Val *dataset.Dataset
	NewModel   ModelFactory

	NTrials, NJobs int

	// Sampler defaults to a ho.GPSampler with ho.DefaultConfig.
	Sampler ho.Sampler

	ProgressChan chan<- ho.ProgressUpdate
}

// OpenSearchStudy loads the study called name, or creates it to maximize the
// objective with a Hyperband pruner over the epochs.
func OpenSearchStudy(ctx context.Context, name string, storage ho.Storage, sampler ho.Sampler) (*ho.Study, error) {
	if sampler == nil {
		sampler = ho.NewGPSampler(ho.DefaultConfig())
	}

	opts := []ho.StudyOption{
		ho.WithSampler(sampler),
		ho.WithPruner(ho.NewHyperbandPruner(EpochsRange.Max)),
	}

	klog.Infof("loading study %q...", name)

	study, found, err := ho.LookupStudy(ctx, name, storage, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "load study %q", name)
	}

	if found {
		return study, nil
	}

	klog.Infof("no study %q found, building from scratch", name)

	study, err = ho.CreateStudy(ctx, name, storage, append(opts, ho.WithDirection(ho.DirectionMaximize))...)

	return study, errors.Wrapf(err, "create study %q", name)
}

// RunSearch runs cfg.NTrials more trials of the study, cfg.NJobs at a time,
// and returns the study.
func RunSearch(ctx context.Context, cfg SearchConfig) (*ho.Study, error) {
	study, err := OpenSearchStudy(ctx, cfg.StudyName, cfg.Storage, cfg.Sampler)
	if err != nil {
		return nil, err
	}

	var callbacks []ho.Callback

	if cfg.Tracker != nil {
		experimentID, err := cfg.Tracker.GetOrCreateExperiment(ctx, cfg.StudyName)
		if err != nil {
			return nil, err
		}

		callbacks = append(callbacks, TrackerCallback(cfg.Tracker, experimentID))
	}

	err = study.Optimize(ctx, Objective(cfg.Train, cfg.Val, cfg.NewModel), ho.OptimizeConfig{
		NTrials:      cfg.NTrials,
		NJobs:        cfg.NJobs,
		Callbacks:    callbacks,
		ProgressChan: cfg.ProgressChan,
	})
	if err != nil {
		return study, errors.Wrapf(err, "optimize study %q", cfg.StudyName)
	}

	if best, err := study.BestTrial(ctx); err == nil {
		klog.Infof("study %q: best trial %d with %s %.4f and parameters %v",
			cfg.StudyName, best.Number, model.MetricValAccuracy, *best.Value, best.Params)
	}

	return study, nil
}

// TrackerCallback logs each finished trial as a run of the experiment: its
// parameters, its value as val_accuracy, and its state as a tag. Tracker
// failures are logged and do not stop the search.
func TrackerCallback(client *tracker.Client, experimentID string) ho.Callback {
	return func(ctx context.Context, study *ho.Study, trial ho.FrozenTrial) {
		if err := logTrial(ctx, client, experimentID, study, trial); err != nil {
			klog.Warningf("study %q: could not log trial %d to the tracker: %v", study.Name(), trial.Number, err)
		}
	}
}

func logTrial(ctx context.Context, client *tracker.Client, experimentID string, study *ho.Study, trial ho.FrozenTrial) error {
	// A cancelled search still records the trials it finished.
	ctx = context.WithoutCancel(ctx)

	run, err := client.CreateRun(ctx, experimentID, fmt.Sprint(trial.Number), map[string]string{
		"study_name":   study.Name(),
		"direction":    string(study.Direction()),
		"trial_number": fmt.Sprint(trial.Number),
		"trial_state":  string(trial.State),
	})
	if err != nil {
		return err
	}

	params := make([]tracker.Param, 0, len(trial.Params))
	for _, name := range sortedParamNames(trial.Params) {
		params = append(params, tracker.Param{Key: name, Value: formatTrialParam(trial, name)})
	}

	var metrics []tracker.Metric
	if trial.Value != nil {
		metrics = append(metrics, tracker.Metric{
			Key:       model.MetricValAccuracy,
			Value:     *trial.Value,
			Timestamp: trial.DatetimeStart.UnixMilli(),
			Step:      0,
		})
	}

	logErr := client.LogBatch(ctx, run.ID(), params, metrics)

	status := tracker.RunStatusFinished
	if trial.State == ho.TrialFail || logErr != nil {
		status = tracker.RunStatusFailed
	}

	if err := client.UpdateRun(ctx, run.ID(), status); err != nil {
		return err
	}

	return logErr
}

// formatTrialParam prints integer parameters without a fractional part.
func formatTrialParam(trial ho.FrozenTrial, name string) string {
	if _, isInt := trial.Distributions[name].(ho.IntDistribution); isInt {
		v, _ := trial.Params.Int(name)

		return fmt.Sprint(v)
	}

	return fmt.Sprint(trial.Params[name])
}

func sortedParamNames(params ho.Params) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}
