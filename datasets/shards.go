package datasets

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Shard is one CSV file holding a contiguous subset of rows for a given cell
// type and pipeline stage.
type Shard struct {
	Path     string
	CellType string
	Seq      int
	Rows     int
}

// ShardIndex indexes the shards of one pipeline stage in a directory. It only
// keeps row counts and offsets; row content is read on demand.
type ShardIndex struct {
	// Dir is the directory that was scanned.
	Dir string

	// Stage the index covers, "tier1" or "tier2".
	Stage string

	// genes holds the gene column names, shared by every shard of the stage.
	genes []string

	// cellTypes, sorted. The sort order is the canonical stacking order used
	// everywhere downstream.
	cellTypes []string

	// shards per cell type, ordered by sequence number.
	shards map[string][]Shard

	// cumRows[ct][i] is the number of rows in shards[ct][:i]; one extra
	// trailing entry holds the total.
	cumRows map[string][]int
}

// ScanShards scans dir for shards of the given stage and builds a ShardIndex.
// Files not matching the naming convention are ignored. All shards must carry
// the same gene columns; the first column must be "sample_id".
func ScanShards(dir, stage string) (*ShardIndex, error) {
	paths, err := filepath.Glob(filepath.Join(dir, stage+"_*.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob %s shards in %s: %w", stage, dir, err)
	}

	idx := &ShardIndex{
		Dir:     dir,
		Stage:   stage,
		shards:  make(map[string][]Shard),
		cumRows: make(map[string][]int),
	}

	for _, path := range paths {
		fileStage, cellType, seq, ok := parseShardName(filepath.Base(path))
		if !ok || fileStage != stage {
			continue
		}
		count, err := countCSVRows(path)
		if err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", path, err)
		}
		if err := idx.checkHeader(path); err != nil {
			return nil, err
		}
		idx.shards[cellType] = append(idx.shards[cellType], Shard{
			Path:     path,
			CellType: cellType,
			Seq:      seq,
			Rows:     count,
		})
	}
	if len(idx.shards) == 0 {
		return nil, fmt.Errorf("no %s shards found in %s", stage, dir)
	}

	for cellType, shards := range idx.shards {
		sort.Slice(shards, func(i, j int) bool { return shards[i].Seq < shards[j].Seq })
		cum := make([]int, len(shards)+1)
		for i, s := range shards {
			cum[i+1] = cum[i] + s.Rows
		}
		idx.cumRows[cellType] = cum
		idx.cellTypes = append(idx.cellTypes, cellType)
	}
	sort.Strings(idx.cellTypes)

	return idx, nil
}

// checkHeader verifies a shard's header against the index's gene list,
// adopting the first shard's header as the reference.
func (idx *ShardIndex) checkHeader(path string) error {
	header, err := readCSVHeader(path)
	if err != nil {
		return err
	}
	if len(header) < 2 || strings.TrimSpace(strings.ToLower(header[0])) != "sample_id" {
		return fmt.Errorf("shard %s: first column must be sample_id", path)
	}
	genes := make([]string, len(header)-1)
	for i, g := range header[1:] {
		genes[i] = strings.TrimSpace(g)
	}
	if idx.genes == nil {
		idx.genes = genes
		return nil
	}
	if len(genes) != len(idx.genes) {
		return fmt.Errorf("shard %s: %d gene columns, expected %d", path, len(genes), len(idx.genes))
	}
	for i := range genes {
		if genes[i] != idx.genes[i] {
			return fmt.Errorf("shard %s: gene column %d is %q, expected %q", path, i, genes[i], idx.genes[i])
		}
	}
	return nil
}

// Genes returns the gene column names shared by all shards.
func (idx *ShardIndex) Genes() []string { return idx.genes }

// NumGenes returns the profile width.
func (idx *ShardIndex) NumGenes() int { return len(idx.genes) }

// CellTypes returns the sorted cell types found during the scan.
func (idx *ShardIndex) CellTypes() []string { return idx.cellTypes }

// Shards returns the ordered shards of a cell type.
func (idx *ShardIndex) Shards(cellType string) []Shard { return idx.shards[cellType] }

// Rows returns the total row count for a cell type across all its shards.
func (idx *ShardIndex) Rows(cellType string) int {
	cum, ok := idx.cumRows[cellType]
	if !ok {
		return 0
	}
	return cum[len(cum)-1]
}

// TotalRows returns the row count across every cell type of the stage.
func (idx *ShardIndex) TotalRows() int {
	total := 0
	for _, ct := range idx.cellTypes {
		total += idx.Rows(ct)
	}
	return total
}

// Locate maps a cell type's global row number to (shard index, local row).
func (idx *ShardIndex) Locate(cellType string, global int) (shardIdx, localRow int, err error) {
	cum, ok := idx.cumRows[cellType]
	if !ok {
		return 0, 0, fmt.Errorf("unknown cell type %q", cellType)
	}
	total := cum[len(cum)-1]
	if global < 0 || global >= total {
		return 0, 0, fmt.Errorf("row %d out of range [0, %d) for cell type %q", global, total, cellType)
	}
	// Binary search over cumulative offsets.
	lo, hi := 0, len(cum)-2
	for lo < hi {
		mid := (lo + hi) / 2
		if global < cum[mid+1] {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, global - cum[lo], nil
}
