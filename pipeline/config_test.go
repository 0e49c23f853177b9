package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_OverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"data_dir": "/tmp/shards", "training": {"steps": 77, "lstm_hidden": 12}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DataDir != "/tmp/shards" {
		t.Fatalf("unexpected data dir %q", cfg.DataDir)
	}
	if cfg.Training.Steps != 77 || cfg.Training.LSTMHidden != 12 {
		t.Fatalf("file values not applied: %+v", cfg.Training)
	}
	// Fields absent from the file keep their defaults.
	def := DefaultConfig()
	if cfg.Training.BatchSize != def.Training.BatchSize {
		t.Fatalf("default batch size lost: %d", cfg.Training.BatchSize)
	}
	if cfg.Training.LearningRate != def.Training.LearningRate {
		t.Fatalf("default learning rate lost: %g", cfg.Training.LearningRate)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	bad := cfg
	bad.DataDir = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for empty data dir")
	}

	bad = cfg
	bad.Training.BatchSize = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for zero batch size")
	}

	bad = cfg
	bad.Training.LearningRate = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for negative learning rate")
	}

	bad = cfg
	bad.Training.LSTMHidden = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for negative lstm hidden size")
	}
}
