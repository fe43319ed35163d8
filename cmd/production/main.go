// production retrains the MNIST classifier with the best parameters of the
// study named by STUDY_NAME, logs the run to the tracking server and
// registers the model under the study name.
//
//	production -env .env
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"go.uber.org/automaxprocs/maxprocs"
	"k8s.io/klog/v2"

	"github.com/thalesfsp/hotrain/internal/config"
	"github.com/thalesfsp/hotrain/internal/dataset"
	"github.com/thalesfsp/hotrain/internal/model"
	"github.com/thalesfsp/hotrain/internal/pipeline"
	"github.com/thalesfsp/hotrain/internal/storage"
	"github.com/thalesfsp/hotrain/internal/tracker"
)

var (
	flagEnv    = flag.String("env", ".env", "Dotenv file with the settings. Missing is fine.")
	flagSubset = flag.Int("subset", 0, "If > 0, train on that many examples only.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := exceptions.TryCatch[error](func() {
		undo := must.M1(maxprocs.Set(maxprocs.Logger(klog.Infof)))
		defer undo()

		cfg := must.M1(config.Load(*flagEnv))

		studies := must.M1(storage.Open(ctx, cfg.StudyStorageDSN()))
		defer studies.Close()

		client := must.M1(tracker.New(cfg.TrackingURI, tracker.WithBasicAuth(cfg.TrackingUsername, cfg.TrackingPassword)))

		must.M(dataset.Download(ctx, cfg.DataDir, ""))
		train := must.M1(dataset.Load(cfg.DataDir, dataset.SplitTrain))
		if *flagSubset > 0 {
			train = train.Head(*flagSubset)
		}

		result := must.M1(pipeline.RunProduction(ctx, pipeline.ProductionConfig{
			StudyName: cfg.StudyName,
			Storage:   studies,
			Tracker:   client,
			Train:     train,
			NewModel: func() model.Classifier {
				return model.NewMLP(cfg.BatchSize, cfg.Seed)
			},
		}))

		klog.Infof("run %q (%s) finished: model %q version %s",
			result.RunName, result.RunID, result.ModelVersion.Name, result.ModelVersion.Version)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
