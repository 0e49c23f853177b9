package pipeline

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
)

// trainFixtureConfig builds a two-shard alpha target so holdout folds exist,
// with tiny model and step counts to keep the test fast. Sample a6 is never
// measured in beta, so (a6, beta) is the fixture's one missing pair.
func trainFixtureConfig(t *testing.T) *Config {
	t.Helper()
	dataDir := t.TempDir()
	header := "sample_id,g1,g2,g3"
	writeCSV(t, filepath.Join(dataDir, "tier1_alpha_000.csv"), header, []string{
		"a1,1,2,3",
		"a2,2,3,4",
		"a3,3,4,5",
	})
	writeCSV(t, filepath.Join(dataDir, "tier1_alpha_001.csv"), header, []string{
		"a4,4,5,6",
		"a5,5,6,7",
		"a6,6,7,8",
	})
	writeCSV(t, filepath.Join(dataDir, "tier1_beta_000.csv"), header, []string{
		"a1,2,2,2",
		"a2,3,3,3",
		"a3,4,4,4",
		"a4,5,5,5",
		"a5,6,6,6",
	})

	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.SampleCacheDir = ""
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	cfg.PlotDir = ""
	cfg.Training.BatchSize = 2
	cfg.Training.Steps = 10
	cfg.Training.LossEveryN = 2
	cfg.Training.ConvChannels = 2
	cfg.Training.ConvKernelSize = 3
	cfg.Training.LSTMHidden = 0
	cfg.Training.HiddenDim = 4
	cfg.Training.CheckpointsToKeep = 2
	return &cfg
}

func TestTrainTarget_CheckpointAndResume(t *testing.T) {
	cfg := trainFixtureConfig(t)
	backend := graphtest.BuildTestBackend()

	store, err := OpenStage(cfg, "tier1")
	if err != nil {
		t.Fatalf("OpenStage failed: %v", err)
	}

	trained, err := TrainTarget(backend, cfg, store, "alpha", nil, -1)
	if err != nil {
		t.Fatalf("TrainTarget failed: %v", err)
	}
	if trained.GlobalStep != int64(cfg.Training.Steps) {
		t.Fatalf("expected global step %d, got %d", cfg.Training.Steps, trained.GlobalStep)
	}
	if len(trained.TrainLoss) == 0 {
		t.Fatalf("expected sampled loss history")
	}
	for _, lp := range trained.TrainLoss {
		if math.IsNaN(lp.Loss) || math.IsInf(lp.Loss, 0) {
			t.Fatalf("loss diverged at step %d: %v", lp.Step, lp.Loss)
		}
	}

	// Second run resumes from the checkpoint and has nothing left to do.
	resumed, err := TrainTarget(backend, cfg, store, "alpha", nil, -1)
	if err != nil {
		t.Fatalf("resumed TrainTarget failed: %v", err)
	}
	if resumed.GlobalStep != trained.GlobalStep {
		t.Fatalf("expected resume at step %d, got %d", trained.GlobalStep, resumed.GlobalStep)
	}
	if len(resumed.TrainLoss) != 0 {
		t.Fatalf("expected no new training steps on resume")
	}
}

func TestTrainTarget_Holdout(t *testing.T) {
	cfg := trainFixtureConfig(t)
	backend := graphtest.BuildTestBackend()

	store, err := OpenStage(cfg, "tier1")
	if err != nil {
		t.Fatalf("OpenStage failed: %v", err)
	}

	trained, err := TrainTarget(backend, cfg, store, "alpha", nil, 0)
	if err != nil {
		t.Fatalf("TrainTarget with holdout failed: %v", err)
	}
	if len(trained.HoldoutPoints) != 3 {
		t.Fatalf("expected 3 holdout examples, got %d", len(trained.HoldoutPoints))
	}
	if math.IsNaN(trained.HoldoutMSE) || trained.HoldoutMSE < 0 {
		t.Fatalf("unexpected holdout MSE %v", trained.HoldoutMSE)
	}
}

func TestLeaveOneShardOut(t *testing.T) {
	cfg := trainFixtureConfig(t)
	backend := graphtest.BuildTestBackend()

	store, err := OpenStage(cfg, "tier1")
	if err != nil {
		t.Fatalf("OpenStage failed: %v", err)
	}

	report, err := LeaveOneShardOut(backend, cfg, store, "alpha", nil)
	if err != nil {
		t.Fatalf("LeaveOneShardOut failed: %v", err)
	}
	if len(report.Folds) != 2 {
		t.Fatalf("expected 2 folds, got %d", len(report.Folds))
	}
	if len(report.Points) != 6 {
		t.Fatalf("expected 6 pooled holdout points, got %d", len(report.Points))
	}
	if math.IsNaN(report.MeanMSE) || report.MeanMSE < 0 {
		t.Fatalf("unexpected mean MSE %v", report.MeanMSE)
	}
}

func TestNewImputerSet(t *testing.T) {
	cfg := trainFixtureConfig(t)
	backend := graphtest.BuildTestBackend()

	store, err := OpenStage(cfg, "tier1")
	if err != nil {
		t.Fatalf("OpenStage failed: %v", err)
	}
	for _, ct := range store.Index.CellTypes() {
		if _, err := TrainTarget(backend, cfg, store, ct, nil, -1); err != nil {
			t.Fatalf("TrainTarget %s failed: %v", ct, err)
		}
	}

	// Fresh contexts per target, loaded from the on-disk checkpoints.
	set, err := NewImputerSet(backend, cfg, store, "tier1")
	if err != nil {
		t.Fatalf("NewImputerSet failed: %v", err)
	}
	pairs := store.Samples.MissingPairs()
	if len(pairs) != 1 || pairs[0].Sample != "a6" || pairs[0].CellType != "beta" {
		t.Fatalf("unexpected missing pairs: %v", pairs)
	}
	profile, err := set.Impute("a6", "beta")
	if err != nil {
		t.Fatalf("Impute failed: %v", err)
	}
	if len(profile) != store.Index.NumGenes() {
		t.Fatalf("expected %d genes, got %d", store.Index.NumGenes(), len(profile))
	}
	for i, v := range profile {
		if math.IsNaN(float64(v)) {
			t.Fatalf("gene %d is NaN", i)
		}
	}

	// A target without a saved checkpoint must fail loudly.
	if err := os.RemoveAll(filepath.Join(cfg.CheckpointDir, "tier1", "beta")); err != nil {
		t.Fatalf("failed to remove beta checkpoints: %v", err)
	}
	if _, err := NewImputerSet(backend, cfg, store, "tier1"); err == nil {
		t.Fatalf("expected error for a cell type with no trained model")
	}

	noDir := *cfg
	noDir.CheckpointDir = ""
	if _, err := NewImputerSet(backend, &noDir, store, "tier1"); err == nil {
		t.Fatalf("expected error when no checkpoint dir is configured")
	}
}

func TestModelImputer(t *testing.T) {
	cfg := trainFixtureConfig(t)
	backend := graphtest.BuildTestBackend()

	store, err := OpenStage(cfg, "tier1")
	if err != nil {
		t.Fatalf("OpenStage failed: %v", err)
	}
	trained, err := TrainTarget(backend, cfg, store, "alpha", nil, -1)
	if err != nil {
		t.Fatalf("TrainTarget failed: %v", err)
	}

	mi, err := NewModelImputer(backend, trained.Ctx, store, "alpha")
	if err != nil {
		t.Fatalf("NewModelImputer failed: %v", err)
	}
	profile, err := mi.Impute("a1", "alpha")
	if err != nil {
		t.Fatalf("Impute failed: %v", err)
	}
	if len(profile) != store.Index.NumGenes() {
		t.Fatalf("expected %d genes, got %d", store.Index.NumGenes(), len(profile))
	}
	for i, v := range profile {
		if math.IsNaN(float64(v)) {
			t.Fatalf("gene %d is NaN", i)
		}
	}

	again, err := mi.Impute("a1", "alpha")
	if err != nil {
		t.Fatalf("cached Impute failed: %v", err)
	}
	if &again[0] != &profile[0] {
		t.Fatalf("expected the cached profile on the second call")
	}

	if _, err := mi.Impute("a1", "beta"); err == nil {
		t.Fatalf("expected error imputing the wrong cell type")
	}

	var set ImputerSet
	set.Add(mi)
	if _, err := set.Impute("a1", "alpha"); err != nil {
		t.Fatalf("ImputerSet dispatch failed: %v", err)
	}
	if _, err := set.Impute("a1", "beta"); err == nil {
		t.Fatalf("expected error for cell type without a model")
	}
}
