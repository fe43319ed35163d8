package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgres = map[string]string{
	"POSTGRES_USER":            "optuna",
	"POSTGRES_PASSWORD":        "p@ss word",
	"POSTGRES_OPTUNA_HOSTNAME": "db",
	"POSTGRES_OPTUNA_DB":       "optuna",
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnvironment(postgres)
	require.NoError(t, err)

	assert.Equal(t, "mnist-hyperparam", cfg.StudyName)
	assert.Equal(t, 2, cfg.NTrials)
	assert.Equal(t, 2, cfg.NJobs)
	assert.Equal(t, 128, cfg.BatchSize)
	assert.Equal(t, 5432, cfg.PostgresPort)
	assert.Equal(t, "postgresql://optuna:p%40ss%20word@db:5432/optuna", cfg.StudyStorageDSN())
}

func TestStudyStorageURLWins(t *testing.T) {
	cfg, err := FromEnvironment(map[string]string{"STUDY_STORAGE_URL": "sqlite:///tmp/studies.db"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///tmp/studies.db", cfg.StudyStorageDSN())
}

func TestValidate(t *testing.T) {
	for name, environment := range map[string]map[string]string{
		"no storage":      {},
		"zero trials":     {"STUDY_STORAGE_URL": "sqlite://x.db", "N_TRIALS": "0"},
		"negative jobs":   {"STUDY_STORAGE_URL": "sqlite://x.db", "N_JOBS": "-1"},
		"bad batch size":  {"STUDY_STORAGE_URL": "sqlite://x.db", "BATCH_SIZE": "lots"},
		"bad port number": {"STUDY_STORAGE_URL": "sqlite://x.db", "POSTGRES_OPTUNA_PORT": "x"},
	} {
		_, err := FromEnvironment(environment)
		assert.Error(t, err, name)
	}

	cfg, err := FromEnvironment(postgres)
	require.NoError(t, err)

	cfg.StudyName = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadMergesEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"STUDY_STORAGE_URL=sqlite://from-file.db\nSTUDY_NAME=from-file\nN_TRIALS=7\n"), 0o600))

	// The process environment wins over the file.
	t.Setenv("STUDY_NAME", "from-env")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.StudyName)
	assert.Equal(t, 7, cfg.NTrials)
	assert.Equal(t, "sqlite://from-file.db", cfg.StudyStorageDSN())

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.Error(t, err, "without the file no storage is configured")
}
