package datasets

import (
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
)

// sampleIndexCacheVersion is incremented when the on-disk gob format changes.
const sampleIndexCacheVersion = 1

// RowLoc points at one replicate row inside a cell type's shard sequence.
type RowLoc struct {
	Shard int
	Row   int
}

// SampleIndex is the cross-cell-type join: for every sample id, where its
// replicate rows live in each cell type's shards.
type SampleIndex struct {
	Version   int
	Stage     string
	Genes     []string
	CellTypes []string

	// BySample maps sample id -> cell type -> replicate row locations.
	BySample map[string]map[string][]RowLoc

	samples []string // sorted, rebuilt after load
}

// BuildSampleIndex scans every shard of the index with a bounded worker pool
// and joins rows by sample id. workers <= 0 uses NumCPU.
func BuildSampleIndex(idx *ShardIndex, workers int) (*SampleIndex, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	si := &SampleIndex{
		Version:   sampleIndexCacheVersion,
		Stage:     idx.Stage,
		Genes:     idx.Genes(),
		CellTypes: idx.CellTypes(),
		BySample:  make(map[string]map[string][]RowLoc),
	}

	type job struct {
		cellType string
		shardIdx int
		path     string
	}
	var jobs []job
	for _, ct := range idx.CellTypes() {
		for i, shard := range idx.Shards(ct) {
			jobs = append(jobs, job{cellType: ct, shardIdx: i, path: shard.Path})
		}
	}

	jobCh := make(chan job)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				ids, err := scanShardSampleIDs(j.path)
				if err != nil {
					setErr(fmt.Errorf("failed to scan %s: %w", j.path, err))
					continue
				}
				mu.Lock()
				for row, id := range ids {
					perCT, ok := si.BySample[id]
					if !ok {
						perCT = make(map[string][]RowLoc)
						si.BySample[id] = perCT
					}
					perCT[j.cellType] = append(perCT[j.cellType], RowLoc{Shard: j.shardIdx, Row: row})
				}
				mu.Unlock()
			}
		}()
	}
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	si.rebuildSamples()
	return si, nil
}

// scanShardSampleIDs returns the sample id of every data row, in row order.
func scanShardSampleIDs(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, err
	}

	var ids []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, record[0])
	}
	return ids, nil
}

func (si *SampleIndex) rebuildSamples() {
	si.samples = make([]string, 0, len(si.BySample))
	for id := range si.BySample {
		si.samples = append(si.samples, id)
	}
	sort.Strings(si.samples)
}

// Samples returns all sample ids in sorted order.
func (si *SampleIndex) Samples() []string { return si.samples }

// Locations returns the replicate row locations of a sample in a cell type,
// or nil if never observed there.
func (si *SampleIndex) Locations(sample, cellType string) []RowLoc {
	perCT, ok := si.BySample[sample]
	if !ok {
		return nil
	}
	return perCT[cellType]
}

// Observed reports whether the sample has at least one row in the cell type.
func (si *SampleIndex) Observed(sample, cellType string) bool {
	return len(si.Locations(sample, cellType)) > 0
}

// SamplesObservedIn returns the sorted sample ids observed in a cell type.
func (si *SampleIndex) SamplesObservedIn(cellType string) []string {
	var out []string
	for _, id := range si.samples {
		if si.Observed(id, cellType) {
			out = append(out, id)
		}
	}
	return out
}

// MissingPair is a (sample, cell type) combination with no measurement.
type MissingPair struct {
	Sample   string
	CellType string
}

// MissingPairs lists every (sample, cell type) combination with no measured
// rows, ordered by sample then cell type. These are the imputation targets.
func (si *SampleIndex) MissingPairs() []MissingPair {
	var out []MissingPair
	for _, id := range si.samples {
		for _, ct := range si.CellTypes {
			if !si.Observed(id, ct) {
				out = append(out, MissingPair{Sample: id, CellType: ct})
			}
		}
	}
	return out
}

// SaveCache writes the index to path as gob.
func (si *SampleIndex) SaveCache(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create sample index cache: %w", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(si); err != nil {
		return fmt.Errorf("failed to encode sample index cache: %w", err)
	}
	return nil
}

// LoadSampleIndexCache loads a gob cache written by SaveCache and validates
// it against the shard index (version, stage and gene list must match).
func LoadSampleIndexCache(path string, idx *ShardIndex) (*SampleIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	si := &SampleIndex{}
	if err := gob.NewDecoder(file).Decode(si); err != nil {
		return nil, fmt.Errorf("failed to decode sample index cache %s: %w", path, err)
	}
	if si.Version != sampleIndexCacheVersion {
		return nil, fmt.Errorf("sample index cache %s has version %d, want %d", path, si.Version, sampleIndexCacheVersion)
	}
	if si.Stage != idx.Stage {
		return nil, fmt.Errorf("sample index cache %s is for stage %q, want %q", path, si.Stage, idx.Stage)
	}
	if len(si.Genes) != idx.NumGenes() {
		return nil, fmt.Errorf("sample index cache %s has %d genes, want %d", path, len(si.Genes), idx.NumGenes())
	}
	for i, g := range si.Genes {
		if g != idx.Genes()[i] {
			return nil, fmt.Errorf("sample index cache %s: gene %d is %q, want %q", path, i, g, idx.Genes()[i])
		}
	}
	si.rebuildSamples()
	return si, nil
}
