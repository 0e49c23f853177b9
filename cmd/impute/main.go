// Command impute drives the expression imputation pipeline over the sharded
// CSV datasets: it indexes shards, trains per-cell-type regressors, runs
// leave-one-shard-out cross-validation and writes the final submission of
// imputed profiles.
//
// Configuration comes from a JSON file (created from embedded defaults on
// first run) merged with CLI flags; flags win.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"k8s.io/klog/v2"

	"github.com/perturbml/cellfill/datasets"
	"github.com/perturbml/cellfill/pipeline"
)

// defaultConfigJSON is the embedded JSON used to create the config file on
// first run. Keep in sync with pipeline.DefaultConfig.
const defaultConfigJSON = `{
  "data_dir": "data",
  "checkpoint_dir": "output/checkpoints",
  "plot_dir": "output/plots",
  "sample_cache_dir": "output/cache",
  "workers": 0,
  "memory_cache": true,
  "training": {
    "batch_size": 16,
    "steps": 2000,
    "learning_rate": 0.001,
    "seed": 42,
    "conv_channels": 16,
    "conv_kernel_size": 5,
    "lstm_hidden": 0,
    "hidden_dim": 128,
    "loss_every_n": 50,
    "checkpoints_to_keep": 3
  }
}`

func main() {
	klog.InitFlags(nil)

	configPath := flag.String("config", "impute.json", "path to JSON config file; created from embedded defaults if missing")
	stage := flag.String("stage", "", "pipeline stage to run: index, train, loocv or submit")
	tier := flag.String("tier", "tier1", "dataset tier to operate on: tier1 or tier2")
	target := flag.String("target", "", "target cell type; empty runs every cell type of the tier")
	submissionOut := flag.String("out", "output/submission.csv", "submission CSV path for the submit stage")
	cvReportOut := flag.String("cv-report", "output/cv_report.json", "cross-validation report JSON path for the loocv stage")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")

	dataDir := flag.String("data", "", "shard CSV directory (overrides JSON if provided)")
	checkpointDir := flag.String("checkpoints", "", "checkpoint root directory (overrides JSON if provided)")
	plotDir := flag.String("plots", "", "plot output directory (overrides JSON if provided)")
	sampleCacheDir := flag.String("sample-cache", "", "sample index cache directory (overrides JSON if provided)")
	workers := flag.Int("workers", -1, "shard scanning workers, 0 = NumCPU (overrides JSON if provided)")
	memoryCache := flag.Bool("cache", true, "hold shards in memory for fast random reads (overrides JSON if provided)")

	batchSize := flag.Int("batch-size", 0, "training batch size (overrides JSON if provided)")
	steps := flag.Int("steps", 0, "number of training steps (overrides JSON if provided)")
	learningRate := flag.Float64("learning-rate", 0, "Adam learning rate (overrides JSON if provided)")
	seed := flag.Int64("seed", 0, "random seed for shuffling and initialization (overrides JSON if provided)")
	convChannels := flag.Int("conv-channels", 0, "convolution filter count (overrides JSON if provided)")
	convKernelSize := flag.Int("conv-kernel", 0, "1D convolution kernel width (overrides JSON if provided)")
	lstmHidden := flag.Int("lstm-hidden", -1, "recurrent branch hidden size, 0 disables it (overrides JSON if provided)")
	hiddenDim := flag.Int("hidden-dim", 0, "width of the first output linear layer (overrides JSON if provided)")

	flag.Parse()

	cfg, err := loadOrCreateConfig(*configPath)
	if err != nil {
		klog.Exitf("failed to load config: %v", err)
	}

	// CLI flags explicitly passed win over the JSON file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataDir = *dataDir
		case "checkpoints":
			cfg.CheckpointDir = *checkpointDir
		case "plots":
			cfg.PlotDir = *plotDir
		case "sample-cache":
			cfg.SampleCacheDir = *sampleCacheDir
		case "workers":
			cfg.Workers = *workers
		case "cache":
			cfg.MemoryCache = *memoryCache
		case "batch-size":
			cfg.Training.BatchSize = *batchSize
		case "steps":
			cfg.Training.Steps = *steps
		case "learning-rate":
			cfg.Training.LearningRate = *learningRate
		case "seed":
			cfg.Training.Seed = *seed
		case "conv-channels":
			cfg.Training.ConvChannels = *convChannels
		case "conv-kernel":
			cfg.Training.ConvKernelSize = *convKernelSize
		case "lstm-hidden":
			cfg.Training.LSTMHidden = *lstmHidden
		case "hidden-dim":
			cfg.Training.HiddenDim = *hiddenDim
		}
	})

	if *printEffectiveConfig {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			klog.Exitf("failed to encode effective config: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid config: %v", err)
	}
	if *tier != "tier1" && *tier != "tier2" {
		klog.Exitf("unknown tier %q, want tier1 or tier2", *tier)
	}

	switch strings.ToLower(*stage) {
	case "index":
		err = runIndex(&cfg, *tier)
	case "train":
		err = runTrain(&cfg, *tier, *target)
	case "loocv":
		err = runLOOCV(&cfg, *tier, *target, *cvReportOut)
	case "submit":
		err = runSubmit(&cfg, *tier, *submissionOut)
	case "":
		err = fmt.Errorf("no -stage given, want index, train, loocv or submit")
	default:
		err = fmt.Errorf("unknown stage %q, want index, train, loocv or submit", *stage)
	}
	if err != nil {
		klog.Exitf("%s failed: %v", *stage, err)
	}
}

// loadOrCreateConfig loads the JSON config, first materializing the embedded
// defaults on disk when no file exists yet.
func loadOrCreateConfig(path string) (pipeline.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return pipeline.Config{}, err
			}
		}
		if err := os.WriteFile(path, []byte(defaultConfigJSON), 0644); err != nil {
			return pipeline.Config{}, err
		}
		klog.Infof("created default config at %s", path)
	}
	return pipeline.LoadConfig(path)
}

// runIndex scans the tier's shards and prints a per-cell-type summary.
func runIndex(cfg *pipeline.Config, tier string) error {
	store, err := pipeline.OpenStage(cfg, tier)
	if err != nil {
		return err
	}
	idx := store.Index
	fmt.Printf("%s in %s: %d genes\n", tier, idx.Dir, idx.NumGenes())
	for _, ct := range idx.CellTypes() {
		observed := len(store.Samples.SamplesObservedIn(ct))
		fmt.Printf("  %-24s %3d shards %8d rows %6d samples\n",
			ct, len(idx.Shards(ct)), idx.Rows(ct), observed)
	}
	fmt.Printf("  missing (sample, cell type) pairs: %d\n", len(store.Samples.MissingPairs()))
	return nil
}

// targetsFor resolves the -target flag against the store's cell types.
func targetsFor(store *datasets.ProfileStore, target string) ([]string, error) {
	if target == "" {
		return store.Index.CellTypes(), nil
	}
	for _, ct := range store.Index.CellTypes() {
		if ct == target {
			return []string{target}, nil
		}
	}
	return nil, fmt.Errorf("unknown target cell type %q, have %v", target, store.Index.CellTypes())
}

// tierImputer returns the imputer the tier's training needs: none for tier1,
// the tier1 model set for tier2.
func tierImputer(backend backends.Backend, cfg *pipeline.Config, store *datasets.ProfileStore, tier string) (datasets.Imputer, error) {
	if tier == "tier1" {
		return nil, nil
	}
	set, err := pipeline.NewImputerSet(backend, cfg, store, "tier1")
	if err != nil {
		return nil, err
	}
	return set, nil
}

func runTrain(cfg *pipeline.Config, tier, target string) error {
	store, err := pipeline.OpenStage(cfg, tier)
	if err != nil {
		return err
	}
	targets, err := targetsFor(store, target)
	if err != nil {
		return err
	}
	backend := backends.MustNew()
	klog.Infof("using backend %s", backend.Name())

	imp, err := tierImputer(backend, cfg, store, tier)
	if err != nil {
		return err
	}

	for _, ct := range targets {
		trained, err := pipeline.TrainTarget(backend, cfg, store, ct, imp, -1)
		if err != nil {
			return err
		}
		if cfg.PlotDir != "" && len(trained.TrainLoss) > 0 {
			plotPath := filepath.Join(cfg.PlotDir, fmt.Sprintf("loss_%s_%s.png", tier, ct))
			title := fmt.Sprintf("%s/%s training loss", tier, ct)
			if err := pipeline.SaveLossCurve(plotPath, title, trained.TrainLoss); err != nil {
				klog.Warningf("failed to plot loss curve for %s: %v", ct, err)
			}
		}
	}
	return nil
}

func runLOOCV(cfg *pipeline.Config, tier, target, reportPath string) error {
	store, err := pipeline.OpenStage(cfg, tier)
	if err != nil {
		return err
	}
	targets, err := targetsFor(store, target)
	if err != nil {
		return err
	}
	backend := backends.MustNew()

	imp, err := tierImputer(backend, cfg, store, tier)
	if err != nil {
		return err
	}

	var reports []*pipeline.CVReport
	for _, ct := range targets {
		report, err := pipeline.LeaveOneShardOut(backend, cfg, store, ct, imp)
		if err != nil {
			return err
		}
		reports = append(reports, report)
		if cfg.PlotDir != "" && len(report.Points) > 0 {
			plotPath := filepath.Join(cfg.PlotDir, fmt.Sprintf("loocv_%s_%s.png", tier, ct))
			title := fmt.Sprintf("%s/%s LOOCV holdout", tier, ct)
			if err := pipeline.SaveHoldoutScatter(plotPath, title, report.Points); err != nil {
				klog.Warningf("failed to plot holdout scatter for %s: %v", ct, err)
			}
		}
	}

	for _, r := range reports {
		fmt.Printf("%s/%s: MSE %.6f +/- %.6f over %d folds\n",
			r.Stage, r.Target, r.MeanMSE, r.StdDevMSE, len(r.Folds))
	}
	if reportPath != "" {
		if dir := filepath.Dir(reportPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(reportPath, data, 0644); err != nil {
			return err
		}
		klog.Infof("wrote cross-validation report to %s", reportPath)
	}
	return nil
}

func runSubmit(cfg *pipeline.Config, tier, outPath string) error {
	store, err := pipeline.OpenStage(cfg, tier)
	if err != nil {
		return err
	}
	backend := backends.MustNew()

	set, err := pipeline.NewImputerSet(backend, cfg, store, tier)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	manifest, err := pipeline.WriteSubmission(outPath, store, set)
	if err != nil {
		return err
	}
	fmt.Printf("submission %s: %d rows written to %s\n", manifest.ID, manifest.Rows, manifest.Path)
	return nil
}
