package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/perturbml/cellfill/datasets"
)

// OpenStage scans one stage's shards and returns a ready ProfileStore: sample
// index attached (loaded from the gob cache when valid, rebuilt otherwise)
// and the in-memory shard cache enabled when configured.
func OpenStage(cfg *Config, stage string) (*datasets.ProfileStore, error) {
	idx, err := datasets.ScanShards(cfg.DataDir, stage)
	if err != nil {
		return nil, err
	}
	klog.Infof("%s: %d cell types, %d genes, %s rows across shards",
		stage, len(idx.CellTypes()), idx.NumGenes(), humanize.Comma(int64(idx.TotalRows())))

	store := datasets.NewProfileStore(idx)

	si, err := loadOrBuildSamples(cfg, idx)
	if err != nil {
		return nil, err
	}
	if err := store.AttachSamples(si); err != nil {
		return nil, err
	}
	klog.Infof("%s: %d distinct samples, %d missing (sample, cell type) pairs",
		stage, len(si.Samples()), len(si.MissingPairs()))

	if cfg.MemoryCache {
		if err := store.EnableCache(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func loadOrBuildSamples(cfg *Config, idx *datasets.ShardIndex) (*datasets.SampleIndex, error) {
	cachePath := ""
	if cfg.SampleCacheDir != "" {
		cachePath = filepath.Join(cfg.SampleCacheDir, fmt.Sprintf("samples_%s.gob", idx.Stage))
		si, err := datasets.LoadSampleIndexCache(cachePath, idx)
		if err == nil {
			klog.V(1).Infof("loaded sample index cache from %s", cachePath)
			return si, nil
		}
		if !os.IsNotExist(errors.Cause(err)) {
			klog.Warningf("ignoring sample index cache %s: %v", cachePath, err)
		}
	}

	si, err := datasets.BuildSampleIndex(idx, cfg.Workers)
	if err != nil {
		return nil, err
	}
	if cachePath != "" {
		if err := os.MkdirAll(cfg.SampleCacheDir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create sample cache dir")
		}
		if err := si.SaveCache(cachePath); err != nil {
			klog.Warningf("failed to save sample index cache: %v", err)
		}
	}
	return si, nil
}
