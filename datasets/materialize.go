package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"
)

// ProfileStore materializes row windows and per-sample profiles from an
// indexed shard directory. Reads are lazy unless EnableCache was called.
type ProfileStore struct {
	Index *ShardIndex

	// Samples is the cross-cell-type join; set by AttachSamples.
	Samples *SampleIndex

	mu    sync.RWMutex
	cache map[string][][]float32 // shard path -> rows, populated by EnableCache
	ids   map[string][]string    // shard path -> sample ids, same order
}

// NewProfileStore creates a store over an existing shard index.
func NewProfileStore(idx *ShardIndex) *ProfileStore {
	return &ProfileStore{Index: idx}
}

// AttachSamples sets the sample join index used by Profile and the tier
// datasets. The index must have been built from (or validated against) the
// same shard index.
func (ps *ProfileStore) AttachSamples(si *SampleIndex) error {
	if si.Stage != ps.Index.Stage {
		return fmt.Errorf("sample index stage %q does not match shard index stage %q", si.Stage, ps.Index.Stage)
	}
	ps.Samples = si
	return nil
}

// EnableCache loads every shard into memory for fast random reads. The tier
// datasets issue many single-row reads per batch; without the cache each one
// rescans a shard file.
func (ps *ProfileStore) EnableCache() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.cache != nil {
		return nil
	}
	cache := make(map[string][][]float32)
	ids := make(map[string][]string)
	for _, ct := range ps.Index.CellTypes() {
		for _, shard := range ps.Index.Shards(ct) {
			rows, sampleIDs, err := ps.readShard(shard.Path)
			if err != nil {
				return err
			}
			cache[shard.Path] = rows
			ids[shard.Path] = sampleIDs
		}
	}
	ps.cache = cache
	ps.ids = ids
	return nil
}

// CacheEnabled reports whether shards are held in memory.
func (ps *ProfileStore) CacheEnabled() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.cache != nil
}

// readShard parses a whole shard into rows of gene values plus sample ids.
func (ps *ProfileStore) readShard(path string) ([][]float32, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open shard: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	numGenes := ps.Index.NumGenes()
	var rows [][]float32
	var sampleIDs []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row in %s: %w", path, err)
		}
		if len(record) != numGenes+1 {
			return nil, nil, fmt.Errorf("shard %s: row has %d columns, expected %d", path, len(record), numGenes+1)
		}
		row := make([]float32, numGenes)
		for i := 0; i < numGenes; i++ {
			v, err := parseFloat32(record[i+1])
			if err != nil {
				return nil, nil, fmt.Errorf("shard %s: failed to parse %s: %w", path, ps.Index.Genes()[i], err)
			}
			row[i] = v
		}
		rows = append(rows, row)
		sampleIDs = append(sampleIDs, record[0])
	}
	return rows, sampleIDs, nil
}

// readRows reads specific rows of one shard. wanted maps local row index to
// the output slots it should fill. Output rows land in dst (len(slots) rows of
// numGenes values each); ids, if non-nil, receives the sample id per slot.
func (ps *ProfileStore) readRows(path string, wanted map[int][]int, dst [][]float32, ids []string) error {
	ps.mu.RLock()
	cached, ok := ps.cache[path]
	cachedIDs := ps.ids[path]
	ps.mu.RUnlock()
	if ok {
		for row, slots := range wanted {
			if row >= len(cached) {
				return fmt.Errorf("shard %s: row %d out of range", path, row)
			}
			for _, slot := range slots {
				dst[slot] = cached[row]
				if ids != nil {
					ids[slot] = cachedIDs[row]
				}
			}
		}
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open shard: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	numGenes := ps.Index.NumGenes()
	remaining := len(wanted)
	rowIdx := 0
	for remaining > 0 {
		record, err := reader.Read()
		if err == io.EOF {
			return fmt.Errorf("shard %s: ran out of rows with %d still wanted", path, remaining)
		}
		if err != nil {
			return fmt.Errorf("failed to read row in %s: %w", path, err)
		}
		if slots, ok := wanted[rowIdx]; ok {
			row := make([]float32, numGenes)
			for i := 0; i < numGenes; i++ {
				v, err := parseFloat32(record[i+1])
				if err != nil {
					return fmt.Errorf("shard %s row %d: %w", path, rowIdx, err)
				}
				row[i] = v
			}
			for _, slot := range slots {
				dst[slot] = row
				if ids != nil {
					ids[slot] = record[0]
				}
			}
			remaining--
		}
		rowIdx++
	}
	return nil
}

// LoadWindow loads a fixed-size window of rows for one cell type starting at
// a global row offset, crossing shard boundaries as needed. It returns the
// rows actually available (possibly fewer than size near the end of the data)
// as a flat buffer of rows*NumGenes values, plus the sample id per row.
// Callers needing a fixed shape should pad with PadRows.
func (ps *ProfileStore) LoadWindow(cellType string, offset, size int) (buf []float32, sampleIDs []string, err error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("window size must be > 0, got %d", size)
	}
	total := ps.Index.Rows(cellType)
	if offset < 0 || offset >= total {
		return nil, nil, fmt.Errorf("offset %d out of range [0, %d) for cell type %q", offset, total, cellType)
	}
	if offset+size > total {
		size = total - offset
	}

	shardIdx, localRow, err := ps.Index.Locate(cellType, offset)
	if err != nil {
		return nil, nil, err
	}

	numGenes := ps.Index.NumGenes()
	rows := make([][]float32, size)
	sampleIDs = make([]string, size)
	shards := ps.Index.Shards(cellType)

	filled := 0
	for filled < size {
		shard := shards[shardIdx]
		take := shard.Rows - localRow
		if take > size-filled {
			take = size - filled
		}
		wanted := make(map[int][]int, take)
		for i := 0; i < take; i++ {
			wanted[localRow+i] = []int{filled + i}
		}
		if err := ps.readRows(shard.Path, wanted, rows, sampleIDs); err != nil {
			return nil, nil, err
		}
		filled += take
		shardIdx++
		localRow = 0
	}

	buf = make([]float32, size*numGenes)
	for i, row := range rows {
		copy(buf[i*numGenes:], row)
	}
	return buf, sampleIDs, nil
}

// Profile returns the profile of a sample in a cell type, averaging replicate
// rows. observed is false when the sample was never measured in that cell
// type.
func (ps *ProfileStore) Profile(sample, cellType string) (profile []float32, observed bool, err error) {
	if ps.Samples == nil {
		return nil, false, fmt.Errorf("no sample index attached; call AttachSamples first")
	}
	locs := ps.Samples.Locations(sample, cellType)
	if len(locs) == 0 {
		return nil, false, nil
	}

	shards := ps.Index.Shards(cellType)
	numGenes := ps.Index.NumGenes()

	// Group replicate rows by shard so each file is read at most once.
	byShard := make(map[int]map[int][]int)
	slot := 0
	for _, loc := range locs {
		wanted, ok := byShard[loc.Shard]
		if !ok {
			wanted = make(map[int][]int)
			byShard[loc.Shard] = wanted
		}
		wanted[loc.Row] = append(wanted[loc.Row], slot)
		slot++
	}

	rows := make([][]float32, len(locs))
	for shardIdx, wanted := range byShard {
		if shardIdx >= len(shards) {
			return nil, false, fmt.Errorf("sample index points at shard %d of %q, only %d known", shardIdx, cellType, len(shards))
		}
		if err := ps.readRows(shards[shardIdx].Path, wanted, rows, nil); err != nil {
			return nil, false, err
		}
	}

	profile = make([]float32, numGenes)
	for _, row := range rows {
		for i, v := range row {
			profile[i] += v
		}
	}
	inv := float32(1.0 / float64(len(rows)))
	for i := range profile {
		profile[i] *= inv
	}
	return profile, true, nil
}
