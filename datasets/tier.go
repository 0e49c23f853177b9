package datasets

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Imputer fills a profile that was never measured. Tier-2 datasets use one
// backed by the trained tier-1 models; tier-1 datasets use none and fall back
// to zero rows.
type Imputer interface {
	Impute(sample, cellType string) ([]float32, error)
}

// TierDataset implements gomlx's train.Dataset for one target cell type.
//
// Every example is one sample observed in the target cell type:
//
//	inputs[0]: [batchSize, numOthers, numGenes] - the other cell types'
//	           profiles stacked in sorted cell-type order; missing profiles
//	           are zero rows (tier 1) or imputed (tier 2).
//	labels[0]: [batchSize, numGenes]            - the target profile.
//	labels[1]: [batchSize, 1]                   - row weights; 0 marks rows
//	           added to pad the final partial batch.
//
// Batches always have the exact same shape so the computation graph is
// compiled once.
type TierDataset struct {
	store     *ProfileStore
	target    string
	others    []string
	batchSize int

	samples  []string
	infinite bool
	shuffle  bool
	imputer  Imputer
	name     string

	mu   sync.Mutex
	rng  *rand.Rand
	next int
}

// NewTierDataset creates a dataset over every sample observed in the target
// cell type. The store must have a sample index attached.
func NewTierDataset(store *ProfileStore, target string, batchSize int) (*TierDataset, error) {
	if store.Samples == nil {
		return nil, fmt.Errorf("profile store has no sample index attached")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	found := false
	var others []string
	for _, ct := range store.Index.CellTypes() {
		if ct == target {
			found = true
			continue
		}
		others = append(others, ct)
	}
	if !found {
		return nil, fmt.Errorf("unknown target cell type %q", target)
	}
	if len(others) == 0 {
		return nil, fmt.Errorf("target %q is the only cell type; nothing to predict from", target)
	}
	samples := store.Samples.SamplesObservedIn(target)
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples observed in target cell type %q", target)
	}
	return &TierDataset{
		store:     store,
		target:    target,
		others:    others,
		batchSize: batchSize,
		samples:   samples,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// WithImputer sets the imputer used to fill missing input profiles,
// turning the dataset into a tier-2 (augmented) dataset.
func (ds *TierDataset) WithImputer(imp Imputer) *TierDataset {
	ds.imputer = imp
	return ds
}

// WithSeed makes shuffling deterministic.
func (ds *TierDataset) WithSeed(seed int64) *TierDataset {
	ds.rng = rand.New(rand.NewSource(seed))
	return ds
}

// Shuffle reshuffles the example order now and at every epoch boundary.
func (ds *TierDataset) Shuffle() *TierDataset {
	ds.shuffle = true
	ds.mu.Lock()
	ds.shuffleLocked()
	ds.mu.Unlock()
	return ds
}

// Infinite makes Yield loop over epochs forever instead of returning io.EOF,
// for step-driven training loops.
func (ds *TierDataset) Infinite(infinite bool) *TierDataset {
	ds.infinite = infinite
	return ds
}

// ExcludeShard drops every sample with a replicate row in the given shard of
// the target cell type. Used to build leave-one-shard-out training folds.
func (ds *TierDataset) ExcludeShard(shardIdx int) (*TierDataset, error) {
	return ds.filterShard(shardIdx, false)
}

// OnlyShard keeps only the samples with a replicate row in the given shard of
// the target cell type. Used as the held-out validation fold.
func (ds *TierDataset) OnlyShard(shardIdx int) (*TierDataset, error) {
	return ds.filterShard(shardIdx, true)
}

func (ds *TierDataset) filterShard(shardIdx int, keep bool) (*TierDataset, error) {
	numShards := len(ds.store.Index.Shards(ds.target))
	if shardIdx < 0 || shardIdx >= numShards {
		return nil, fmt.Errorf("shard %d out of range [0, %d) for target %q", shardIdx, numShards, ds.target)
	}
	var filtered []string
	for _, id := range ds.samples {
		inShard := false
		for _, loc := range ds.store.Samples.Locations(id, ds.target) {
			if loc.Shard == shardIdx {
				inShard = true
				break
			}
		}
		if inShard == keep {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("shard filter left no samples for target %q (shard %d, keep=%v)", ds.target, shardIdx, keep)
	}
	ds.samples = filtered
	return ds, nil
}

// SetName overrides the reported dataset name, so train and held-out folds
// of the same target are distinguishable in eval reports.
func (ds *TierDataset) SetName(name string) *TierDataset {
	ds.name = name
	return ds
}

// Name implements train.Dataset.
func (ds *TierDataset) Name() string {
	if ds.name != "" {
		return ds.name
	}
	return fmt.Sprintf("%s/%s", ds.store.Index.Stage, ds.target)
}

// Target returns the target cell type.
func (ds *TierDataset) Target() string { return ds.target }

// Others returns the stacked input cell types, in order.
func (ds *TierDataset) Others() []string { return ds.others }

// NumExamples returns the number of (unpadded) examples.
func (ds *TierDataset) NumExamples() int { return len(ds.samples) }

// BatchesPerEpoch returns the number of batches one epoch yields.
func (ds *TierDataset) BatchesPerEpoch() int {
	return (len(ds.samples) + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset, restarting the dataset from the beginning.
func (ds *TierDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle {
		ds.shuffleLocked()
	}
}

func (ds *TierDataset) shuffleLocked() {
	ds.rng.Shuffle(len(ds.samples), func(i, j int) {
		ds.samples[i], ds.samples[j] = ds.samples[j], ds.samples[i]
	})
}

// nextBatchSamples returns the sample ids of the next batch and how many of
// the batchSize slots are real examples. Returns io.EOF when a finite pass is
// exhausted.
func (ds *TierDataset) nextBatchSamples() (ids []string, real int, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.next >= len(ds.samples) {
		if !ds.infinite {
			return nil, 0, io.EOF
		}
		ds.next = 0
		if ds.shuffle {
			ds.shuffleLocked()
		}
	}

	ids = make([]string, 0, ds.batchSize)
	for len(ids) < ds.batchSize {
		if ds.next >= len(ds.samples) {
			if !ds.infinite {
				break // Final partial batch, padded by the caller.
			}
			ds.next = 0
			if ds.shuffle {
				ds.shuffleLocked()
			}
		}
		ids = append(ids, ds.samples[ds.next])
		ds.next++
	}
	return ids, len(ids), nil
}

// Yield implements train.Dataset.
func (ds *TierDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ids, real, err := ds.nextBatchSamples()
	if err != nil {
		return nil, nil, nil, err
	}

	numGenes := ds.store.Index.NumGenes()
	numOthers := len(ds.others)

	inBuf := make([]float32, real*numOthers*numGenes)
	labBuf := make([]float32, real*numGenes)
	weights := make([]float32, ds.batchSize)

	for i, id := range ids {
		if err := ds.fillExample(id, inBuf[i*numOthers*numGenes:(i+1)*numOthers*numGenes], labBuf[i*numGenes:(i+1)*numGenes]); err != nil {
			return nil, nil, nil, err
		}
		weights[i] = 1
	}

	inBuf, err = PadRows(inBuf, real, numOthers*numGenes, ds.batchSize)
	if err != nil {
		return nil, nil, nil, err
	}
	labBuf, err = PadRows(labBuf, real, numGenes, ds.batchSize)
	if err != nil {
		return nil, nil, nil, err
	}

	inT := tensors.FromFlatDataAndDimensions(inBuf, ds.batchSize, numOthers, numGenes)
	labT := tensors.FromFlatDataAndDimensions(labBuf, ds.batchSize, numGenes)
	wT := tensors.FromFlatDataAndDimensions(weights, ds.batchSize, 1)
	return nil, []*tensors.Tensor{inT}, []*tensors.Tensor{labT, wT}, nil
}

// fillExample writes one example's stacked input rows and its label.
func (ds *TierDataset) fillExample(sample string, in, label []float32) error {
	numGenes := ds.store.Index.NumGenes()

	target, observed, err := ds.store.Profile(sample, ds.target)
	if err != nil {
		return err
	}
	if !observed {
		return fmt.Errorf("sample %q has no %s profile but is in the dataset", sample, ds.target)
	}
	copy(label, target)

	for j, ct := range ds.others {
		row := in[j*numGenes : (j+1)*numGenes]
		profile, observed, err := ds.store.Profile(sample, ct)
		if err != nil {
			return err
		}
		if observed {
			copy(row, profile)
			continue
		}
		if ds.imputer == nil {
			continue // Zero row (the buffer starts zeroed).
		}
		imputed, err := ds.imputer.Impute(sample, ct)
		if err != nil {
			return fmt.Errorf("failed to impute %s profile for sample %q: %w", ct, sample, err)
		}
		if len(imputed) != numGenes {
			return fmt.Errorf("imputer returned %d genes for %s/%s, want %d", len(imputed), sample, ct, numGenes)
		}
		copy(row, imputed)
	}
	return nil
}
