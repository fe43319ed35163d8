package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ho "github.com/thalesfsp/hotrain"
)

func openTemp(t *testing.T) (*SQLStorage, string) {
	t.Helper()

	dsn := "sqlite://" + filepath.Join(t.TempDir(), "studies.db")
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, dsn
}

func TestParseDSN(t *testing.T) {
	for dsn, want := range map[string]string{
		"postgres://u:p@db:5432/optuna":   driverPostgres,
		"postgresql://u:p@db:5432/optuna": driverPostgres,
		"sqlite:///tmp/s.db":              driverSQLite,
		"file:s.db?mode=memory":           driverSQLite,
		":memory:":                        driverSQLite,
	} {
		driver, _, err := parseDSN(dsn)
		require.NoError(t, err, dsn)
		assert.Equal(t, want, driver, dsn)
	}

	_, source, err := parseDSN("sqlite:///tmp/s.db")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/s.db", source)

	_, _, err = parseDSN("mysql://u:p@db/optuna")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://optuna:xxxxx@db:5432/optuna", Redact("postgres://optuna:secret@db:5432/optuna"))
	assert.Equal(t, "sqlite:///tmp/s.db", Redact("sqlite:///tmp/s.db"))
}

func TestStudies(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	_, err := s.GetStudyIDByName(ctx, "mnist")
	assert.ErrorIs(t, err, ho.ErrStudyNotFound)

	id, err := s.CreateStudy(ctx, "mnist", ho.DirectionMaximize)
	require.NoError(t, err)

	again, err := s.CreateStudy(ctx, "mnist", ho.DirectionMinimize)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	direction, err := s.GetStudyDirection(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ho.DirectionMaximize, direction)

	_, err = s.GetStudyDirection(ctx, id+100)
	assert.ErrorIs(t, err, ho.ErrStudyNotFound)
}

func TestTrialLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	studyID, err := s.CreateStudy(ctx, "lifecycle", ho.DirectionMaximize)
	require.NoError(t, err)

	first, err := s.CreateTrial(ctx, studyID)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Number)
	assert.Equal(t, ho.TrialRunning, first.State)

	second, err := s.CreateTrial(ctx, studyID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Number)

	dist := ho.FloatDistribution{Low: 1e-5, High: 1e-1, Log: true}
	require.NoError(t, s.SetTrialParam(ctx, first.ID, "learning_rate", 1e-3, dist))
	require.NoError(t, s.SetTrialIntermediateValue(ctx, first.ID, 1, 0.8))
	require.NoError(t, s.SetTrialIntermediateValue(ctx, first.ID, 1, 0.85))

	value := 0.91
	require.NoError(t, s.FinishTrial(ctx, first.ID, ho.TrialComplete, &value))
	require.NoError(t, s.FinishTrial(ctx, second.ID, ho.TrialFail, nil))

	// Finished trials are immutable.
	assert.Error(t, s.FinishTrial(ctx, first.ID, ho.TrialFail, nil))
	assert.Error(t, s.SetTrialParam(ctx, first.ID, "l1", 0, ho.FloatDistribution{High: 1}))
	assert.ErrorIs(t, s.FinishTrial(ctx, 9999, ho.TrialFail, nil), ho.ErrTrialNotFound)

	got, err := s.GetTrial(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Number)
	assert.Equal(t, ho.TrialComplete, got.State)
	require.NotNil(t, got.Value)
	assert.Equal(t, 0.91, *got.Value)
	assert.Equal(t, ho.Params{"learning_rate": 1e-3}, got.Params)
	assert.Equal(t, dist, got.Distributions["learning_rate"])
	assert.Equal(t, map[int]float64{1: 0.85}, got.IntermediateValues)
	assert.NotNil(t, got.DatetimeComplete)

	complete, err := s.GetAllTrials(ctx, studyID, ho.TrialComplete)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, got, complete[0])

	all, err := s.GetAllTrials(ctx, studyID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ho.TrialFail, all[1].State)
	assert.Nil(t, all[1].Value)
	assert.Equal(t, 1, all[1].Number)
}

func TestOptimizePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, dsn := openTemp(t)

	study, err := ho.CreateStudy(ctx, "persisted", s,
		ho.WithDirection(ho.DirectionMaximize),
		ho.WithSampler(ho.NewRandomSampler(3)),
	)
	require.NoError(t, err)

	err = study.Optimize(ctx, func(ctx context.Context, trial *ho.Trial) (float64, error) {
		x, err := trial.SuggestFloat(ctx, "x", 0, 1, false)
		if err != nil {
			return 0, err
		}

		return -x * x, nil
	}, ho.OptimizeConfig{NTrials: 6, NJobs: 2})
	require.NoError(t, err)

	best, err := study.BestParams(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer reopened.Close()

	found, ok, err := ho.LookupStudy(ctx, "persisted", reopened)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ho.DirectionMaximize, found.Direction())

	trials, err := found.Trials(ctx)
	require.NoError(t, err)
	assert.Len(t, trials, 6)

	for i, trial := range trials {
		assert.Equal(t, i, trial.Number)
	}

	params, err := found.BestParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, best, params)
}
