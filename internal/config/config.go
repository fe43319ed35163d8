// Package config holds the settings shared by the search and production
// entry points.
package config

import (
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config is read from the environment, optionally seeded by a dotenv file.
type Config struct {
	// Study storage: either a full URL, or the Postgres pieces.
	StudyStorageURL  string `env:"STUDY_STORAGE_URL"`
	PostgresUser     string `env:"POSTGRES_USER"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresHost     string `env:"POSTGRES_OPTUNA_HOSTNAME"`
	PostgresPort     int    `env:"POSTGRES_OPTUNA_PORT" envDefault:"5432"`
	PostgresDB       string `env:"POSTGRES_OPTUNA_DB"`

	// Tracking server.
	TrackingURI      string `env:"MLFLOW_TRACKING_URI" envDefault:"http://localhost:5000"`
	TrackingUsername string `env:"MLFLOW_TRACKING_USERNAME"`
	TrackingPassword string `env:"MLFLOW_TRACKING_PASSWORD"`

	// StudyName names the study, its experiment and the registered model.
	StudyName string `env:"STUDY_NAME" envDefault:"mnist-hyperparam"`

	NTrials   int `env:"N_TRIALS" envDefault:"2"`
	NJobs     int `env:"N_JOBS" envDefault:"2"`
	BatchSize int `env:"BATCH_SIZE" envDefault:"128"`

	// DataDir caches the downloaded MNIST files.
	DataDir string `env:"MNIST_DATA_DIR" envDefault:"data/mnist"`

	// Seed drives the sampler and weight initialization; 0 picks a random one.
	Seed int64 `env:"SEED" envDefault:"0"`
}

// Load reads the configuration. Variables of envFile (dotenv format) fill in
// what the process environment does not set; a missing envFile is not an
// error. The result is validated.
func Load(envFile string) (Config, error) {
	environment := map[string]string{}

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environment[k] = v
		}
	}

	if envFile != "" {
		fromFile, err := godotenv.Read(envFile)

		switch {
		case errors.Is(err, fs.ErrNotExist):
			klog.V(1).Infof("no env file at %q, using the process environment only", envFile)
		case err != nil:
			return Config{}, errors.Wrapf(err, "read env file %q", envFile)
		}

		for k, v := range fromFile {
			if _, set := environment[k]; !set {
				environment[k] = v
			}
		}
	}

	return FromEnvironment(environment)
}

// FromEnvironment builds and validates a Config from the given variables only.
func FromEnvironment(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return Config{}, errors.Wrap(err, "parse configuration")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.StudyName == "":
		return errors.New("STUDY_NAME must not be empty")
	case c.NTrials < 1:
		return errors.Errorf("N_TRIALS must be positive, got %d", c.NTrials)
	case c.NJobs < 1:
		return errors.Errorf("N_JOBS must be positive, got %d", c.NJobs)
	case c.BatchSize < 1:
		return errors.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	case c.TrackingURI == "":
		return errors.New("MLFLOW_TRACKING_URI must not be empty")
	case c.StudyStorageURL == "" && (c.PostgresHost == "" || c.PostgresDB == "" || c.PostgresUser == ""):
		return errors.New("set STUDY_STORAGE_URL, or POSTGRES_USER, POSTGRES_OPTUNA_HOSTNAME and POSTGRES_OPTUNA_DB")
	}

	return nil
}

// StudyStorageDSN returns STUDY_STORAGE_URL when set, else the Postgres URL
// built from the POSTGRES_* settings.
func (c Config) StudyStorageDSN() string {
	if c.StudyStorageURL != "" {
		return c.StudyStorageURL
	}

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   net.JoinHostPort(c.PostgresHost, strconv.Itoa(c.PostgresPort)),
		Path:   "/" + c.PostgresDB,
	}

	return u.String()
}
