// hpsearch runs the hyperparameter search of the MNIST classifier.
//
// It loads (or creates) the study named by STUDY_NAME in the study storage,
// runs N_TRIALS more trials with N_JOBS concurrent workers, logs each trial
// as a run of the tracking server, and prints a summary of all trials.
//
//	hpsearch -env .env -v 1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/automaxprocs/maxprocs"
	"k8s.io/klog/v2"

	ho "github.com/thalesfsp/hotrain"
	"github.com/thalesfsp/hotrain/internal/config"
	"github.com/thalesfsp/hotrain/internal/dataset"
	"github.com/thalesfsp/hotrain/internal/model"
	"github.com/thalesfsp/hotrain/internal/pipeline"
	"github.com/thalesfsp/hotrain/internal/storage"
	"github.com/thalesfsp/hotrain/internal/tracker"
)

var (
	flagEnv    = flag.String("env", ".env", "Dotenv file with the settings. Missing is fine.")
	flagSubset = flag.Int("subset", 0, "If > 0, train and validate on that many examples only.")
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

		train, val := must.M2(dataset.LoadMNIST(ctx, cfg.DataDir))
		if *flagSubset > 0 {
			train, val = train.Head(*flagSubset), val.Head(*flagSubset)
		}

		samplerConfig := ho.DefaultConfig()
		samplerConfig.Seed = cfg.Seed

		progress := make(chan ho.ProgressUpdate, cfg.NTrials)
		done := make(chan struct{})

		go func() {
			defer close(done)

			bar := progressbar.NewOptions(cfg.NTrials,
				progressbar.OptionSetDescription("trials"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWriter(os.Stderr),
			)
			for update := range progress {
				_ = bar.Set(update.FinishedTrials)
				bar.Describe(fmt.Sprintf("trials (best %.4f)", update.BestValue))
			}

			_ = bar.Finish()
		}()

		study, err := pipeline.RunSearch(ctx, pipeline.SearchConfig{
			StudyName: cfg.StudyName,
			Storage:   studies,
			Tracker:   client,
			Train:     train,
			Val:       val,
			NewModel: func() model.Classifier {
				return model.NewMLP(cfg.BatchSize, cfg.Seed)
			},
			NTrials:      cfg.NTrials,
			NJobs:        cfg.NJobs,
			Sampler:      ho.NewGPSampler(samplerConfig),
			ProgressChan: progress,
		})
		close(progress)
		<-done

		if study != nil {
			trials := must.M1(study.Trials(context.WithoutCancel(ctx)))

			var best *ho.FrozenTrial
			if trial, err := study.BestTrial(context.WithoutCancel(ctx)); err == nil {
				best = &trial
			}

			fmt.Println(pipeline.SummaryTable(trials, best))
		}

		must.M(err)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
