package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ho "github.com/thalesfsp/hotrain"
	"github.com/thalesfsp/hotrain/internal/dataset"
	"github.com/thalesfsp/hotrain/internal/model"
	"github.com/thalesfsp/hotrain/internal/tracker"
	"github.com/thalesfsp/hotrain/internal/tracker/trackertest"
)

// fakeModels hands out classifiers that record their fits. Epoch e of a
// search fit reaches val_accuracy e/10 + l1.
type fakeModels struct {
	mu             sync.Mutex
	searchFits     []model.Hyperparameters
	productionFits []model.Hyperparameters
	err            error
}

func (f *fakeModels) New() model.Classifier { return &fakeModel{models: f} }

type fakeModel struct{ models *fakeModels }

func (m *fakeModel) FitHPSearch(ctx context.Context, _, _ *dataset.Dataset, hp model.Hyperparameters, report model.EpochReporter) (model.History, error) {
	m.models.mu.Lock()
	m.models.searchFits = append(m.models.searchFits, hp)
	m.models.mu.Unlock()

	history := model.History{}
	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		history[model.MetricValAccuracy] = append(history[model.MetricValAccuracy], float64(epoch)/10+hp.L1)
		if err := report(ctx, epoch, history); err != nil {
			return history, err
		}
	}

	return history, m.models.err
}

func (m *fakeModel) FitProduction(_ context.Context, _ *dataset.Dataset, hp model.Hyperparameters) (model.History, error) {
	m.models.mu.Lock()
	m.models.productionFits = append(m.models.productionFits, hp)
	m.models.mu.Unlock()

	if m.models.err != nil {
		return nil, m.models.err
	}

	history := model.History{}
	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		history[model.MetricLoss] = append(history[model.MetricLoss], 1/float64(epoch))
		history[model.MetricAccuracy] = append(history[model.MetricAccuracy], 1-1/float64(epoch+1))
	}

	return history, nil
}

func (m *fakeModel) Save(w io.Writer) error {
	_, err := w.Write([]byte("fake model"))

	return err
}

var emptyData = &dataset.Dataset{Name: "empty"}

func TestSampleHyperparametersStaysInRange(t *testing.T) {
	ctx := context.Background()
	study, err := ho.CreateStudy(ctx, "ranges", ho.NewInMemoryStorage(), ho.WithSampler(ho.NewRandomSampler(11)))
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		trial, err := study.Ask(ctx)
		require.NoError(t, err)

		hp, err := SampleHyperparameters(ctx, trial)
		require.NoError(t, err)

		assert.Greater(t, hp.LearningRate, 0.0)
		assert.GreaterOrEqual(t, hp.LearningRate, 1e-5)
		assert.LessOrEqual(t, hp.LearningRate, 0.1)
		assert.GreaterOrEqual(t, hp.L1, 0.0)
		assert.LessOrEqual(t, hp.L1, 0.05)
		assert.GreaterOrEqual(t, hp.L2, 0.0)
		assert.LessOrEqual(t, hp.L2, 0.05)
		assert.GreaterOrEqual(t, hp.NumHidden, 8)
		assert.LessOrEqual(t, hp.NumHidden, 64)
		assert.GreaterOrEqual(t, hp.Epochs, 1)
		assert.LessOrEqual(t, hp.Epochs, 3)

		_, err = study.Tell(ctx, trial, ho.TrialFail, nil)
		require.NoError(t, err)
	}
}

func TestObjectiveReturnsFinalValAccuracy(t *testing.T) {
	ctx := context.Background()
	study, err := ho.CreateStudy(ctx, "objective", ho.NewInMemoryStorage(),
		ho.WithDirection(ho.DirectionMaximize), ho.WithSampler(ho.NewRandomSampler(5)))
	require.NoError(t, err)

	models := &fakeModels{}
	require.NoError(t, study.Optimize(ctx, Objective(emptyData, emptyData, models.New), ho.OptimizeConfig{NTrials: 4}))

	trials, err := study.Trials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 4)

	for _, trial := range trials {
		require.Equal(t, ho.TrialComplete, trial.State)

		hp, err := HyperparametersFromParams(trial.Params)
		require.NoError(t, err)
		assert.InDelta(t, float64(hp.Epochs)/10+hp.L1, *trial.Value, 1e-12)
		assert.Len(t, trial.IntermediateValues, hp.Epochs)
	}
}

func TestObjectivePropagatesFitErrors(t *testing.T) {
	ctx := context.Background()
	study, err := ho.CreateStudy(ctx, "failing", ho.NewInMemoryStorage(), ho.WithDirection(ho.DirectionMaximize))
	require.NoError(t, err)

	models := &fakeModels{err: errors.New("out of memory")}
	err = study.Optimize(ctx, Objective(emptyData, emptyData, models.New), ho.OptimizeConfig{NTrials: 1})
	assert.ErrorIs(t, err, models.err)

	failed, err := study.Trials(ctx, ho.TrialFail)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestOpenSearchStudyCreatesMissingStudy(t *testing.T) {
	ctx := context.Background()
	storage := ho.NewInMemoryStorage()

	study, err := OpenSearchStudy(ctx, "fresh", storage, nil)
	require.NoError(t, err)
	assert.Equal(t, ho.DirectionMaximize, study.Direction())
	assert.IsType(t, &ho.HyperbandPruner{}, study.Pruner())

	value := 0.5
	trial, err := study.Ask(ctx)
	require.NoError(t, err)
	_, err = study.Tell(ctx, trial, ho.TrialComplete, &value)
	require.NoError(t, err)

	// The second open loads the same study.
	again, err := OpenSearchStudy(ctx, "fresh", storage, nil)
	require.NoError(t, err)

	trials, err := again.Trials(ctx)
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func TestSearchNeverPrunesAfterLastEpoch(t *testing.T) {
	ctx := context.Background()
	models := &fakeModels{}

	study, err := OpenSearchStudy(ctx, "full-epochs", ho.NewInMemoryStorage(), ho.NewRandomSampler(3))
	require.NoError(t, err)

	err = study.Optimize(ctx, Objective(emptyData, emptyData, models.New), ho.OptimizeConfig{NTrials: 20, NJobs: 1})
	require.NoError(t, err)

	pruned, err := study.Trials(ctx, ho.TrialPruned)
	require.NoError(t, err)

	for _, trial := range pruned {
		epochs, ok := trial.Params.Int(ParamEpochs)
		require.True(t, ok)
		assert.Less(t, trial.LastStep(), epochs, "trial %d pruned after training all %d epochs", trial.Number, epochs)
	}

	completed, err := study.Trials(ctx, ho.TrialComplete)
	require.NoError(t, err)
	assert.NotEmpty(t, completed)
}

func TestRunSearchLogsTrialsToTracker(t *testing.T) {
	ctx := context.Background()
	server := trackertest.NewServer(t)
	client, err := tracker.New(server.URL)
	require.NoError(t, err)

	models := &fakeModels{}
	study, err := RunSearch(ctx, SearchConfig{
		StudyName: "mnist-hyperparam",
		Storage:   ho.NewInMemoryStorage(),
		Tracker:   client,
		Train:     emptyData,
		Val:       emptyData,
		NewModel:  models.New,
		NTrials:   3,
		NJobs:     2,
		Sampler:   ho.NewRandomSampler(2),
	})
	require.NoError(t, err)
	assert.Len(t, models.searchFits, 3)

	trials, err := study.Trials(ctx)
	require.NoError(t, err)
	assert.Len(t, trials, 3)

	experimentID := server.Experiments()["mnist-hyperparam"]
	require.NotEmpty(t, experimentID)

	runs := server.Runs()
	require.Len(t, runs, 3)

	for _, run := range runs {
		assert.Equal(t, experimentID, run.Info.ExperimentID)
		assert.Len(t, run.Params, 5)
		require.Len(t, run.Metrics, 1)
		assert.Equal(t, model.MetricValAccuracy, run.Metrics[0].Key)

		// Trial pruning may stop early; both outcomes end the run normally.
		assert.Equal(t, tracker.RunStatusFinished, run.Info.Status)

		epochs, ok := run.Param(ParamEpochs)
		require.True(t, ok)
		assert.Contains(t, []string{"1", "2", "3"}, epochs)
	}

	table := SummaryTable(trials, nil)
	assert.Contains(t, table, ParamLearningRate)
	assert.Contains(t, table, "val_accuracy")
}

// seedStudy stores a study with one completed trial holding params.
func seedStudy(t *testing.T, storage ho.Storage, name string, params map[string]float64) {
	t.Helper()

	ctx := context.Background()
	studyID, err := storage.CreateStudy(ctx, name, ho.DirectionMaximize)
	require.NoError(t, err)

	trial, err := storage.CreateTrial(ctx, studyID)
	require.NoError(t, err)

	dists := map[string]ho.Distribution{
		ParamLearningRate: ho.FloatDistribution{Low: LearningRateRange.Min, High: LearningRateRange.Max, Log: true},
		ParamL1:           ho.FloatDistribution{Low: L1Range.Min, High: L1Range.Max},
		ParamL2:           ho.FloatDistribution{Low: L2Range.Min, High: L2Range.Max},
		ParamNumHidden:    ho.IntDistribution{Low: 8, High: 64},
		ParamEpochs:       ho.IntDistribution{Low: 1, High: 3},
	}

	for name, value := range params {
		require.NoError(t, storage.SetTrialParam(ctx, trial.ID, name, value, dists[name]))
	}

	value := 0.97
	require.NoError(t, storage.FinishTrial(ctx, trial.ID, ho.TrialComplete, &value))
}

func newProductionConfig(t *testing.T, storage ho.Storage, models *fakeModels) (ProductionConfig, *trackertest.Server) {
	t.Helper()

	server := trackertest.NewServer(t)
	client, err := tracker.New(server.URL)
	require.NoError(t, err)

	return ProductionConfig{
		StudyName: "mnist-hyperparam",
		Storage:   storage,
		Tracker:   client,
		Train:     emptyData,
		NewModel:  models.New,
		Now:       func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}, server
}

var bestParams = map[string]float64{
	ParamLearningRate: 0.001,
	ParamL1:           0,
	ParamL2:           0,
	ParamNumHidden:    32,
	ParamEpochs:       2,
}

func TestRunProductionEndToEnd(t *testing.T) {
	storage := ho.NewInMemoryStorage()
	seedStudy(t, storage, "mnist-hyperparam", bestParams)

	models := &fakeModels{}
	cfg, server := newProductionConfig(t, storage, models)

	result, err := RunProduction(context.Background(), cfg)
	require.NoError(t, err)

	want := model.Hyperparameters{LearningRate: 0.001, NumHidden: 32, Epochs: 2}
	assert.Equal(t, []model.Hyperparameters{want}, models.productionFits)
	assert.Empty(t, models.searchFits)
	assert.Equal(t, want, result.Hyperparameters)

	runs := server.Runs()
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, "production-20240102-030405", run.Info.RunName)
	assert.Equal(t, result.RunID, run.Info.RunID)
	assert.Equal(t, tracker.RunStatusFinished, run.Info.Status)
	assert.Equal(t, server.Experiments()["mnist-hyperparam"], run.Info.ExperimentID)

	assert.Len(t, run.Params, 5)
	numHidden, _ := run.Param(ParamNumHidden)
	assert.Equal(t, "32", numHidden)

	assert.Equal(t, []int{1, 2}, run.Steps())
	require.Len(t, run.Metrics, 4)

	for i, metric := range run.Metrics {
		epoch := i / 2
		assert.Equal(t, epoch+1, metric.Step)
		assert.Equal(t, result.History[metric.Key][epoch], metric.Value)
	}

	artifact, ok := server.Artifact(run.Info.ExperimentID + "/" + run.Info.RunID + "/artifacts/" + ModelArtifactPath)
	require.True(t, ok)
	assert.Equal(t, "fake model", string(artifact))

	versions := server.ModelVersions("mnist-hyperparam")
	require.Len(t, versions, 1)
	assert.Equal(t, result.ModelVersion, versions[0])
}

func TestRunProductionMissingStudy(t *testing.T) {
	models := &fakeModels{}
	cfg, server := newProductionConfig(t, ho.NewInMemoryStorage(), models)

	_, err := RunProduction(context.Background(), cfg)
	assert.ErrorIs(t, err, ho.ErrStudyNotFound)
	assert.Empty(t, models.productionFits)
	assert.Empty(t, server.Runs())
}

func TestRunProductionNoCompletedTrials(t *testing.T) {
	ctx := context.Background()
	storage := ho.NewInMemoryStorage()
	_, err := storage.CreateStudy(ctx, "mnist-hyperparam", ho.DirectionMaximize)
	require.NoError(t, err)

	cfg, _ := newProductionConfig(t, storage, &fakeModels{})

	_, err = RunProduction(ctx, cfg)
	assert.ErrorIs(t, err, ho.ErrNoCompletedTrials)
}

func TestRunProductionFailedFitFailsRun(t *testing.T) {
	storage := ho.NewInMemoryStorage()
	seedStudy(t, storage, "mnist-hyperparam", bestParams)

	models := &fakeModels{err: errors.New("diverged")}
	cfg, server := newProductionConfig(t, storage, models)

	_, err := RunProduction(context.Background(), cfg)
	assert.ErrorIs(t, err, models.err)

	runs := server.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, tracker.RunStatusFailed, runs[0].Info.Status)
	assert.Empty(t, runs[0].Metrics)
	assert.Empty(t, server.ModelVersions("mnist-hyperparam"))
}

func TestHyperparametersFromParams(t *testing.T) {
	hp, err := HyperparametersFromParams(ho.Params(bestParams))
	require.NoError(t, err)
	assert.Equal(t, model.Hyperparameters{LearningRate: 0.001, NumHidden: 32, Epochs: 2}, hp)

	_, err = HyperparametersFromParams(ho.Params{ParamLearningRate: 0.01})
	assert.Error(t, err)

	assert.Len(t, ParamsOf(hp), 5)
}
