// Package datasets provides lazy-loading dataset implementations over
// directories of sharded CSV files holding gene-expression
// perturbation-response profiles, one pipeline stage + cell type per shard
// family.
//
// The pieces compose bottom-up:
//
// ShardIndex
//   - Scans a directory for shards named "<stage>_<celltype>_<nnn>.csv"
//   - Counts data rows per shard without retaining content
//   - Builds per-cell-type cumulative offsets so a global row number maps to
//     (shard, local row) without loading anything.
//
// ProfileStore
//   - Materializes row windows and per-sample profiles from the shards,
//     averaging replicate rows for the same sample
//   - Optionally caches whole shards in memory for fast random reads.
//
// SampleIndex
//   - Cross-cell-type join: sample id -> cell type -> row locations,
//     built with a small worker pool and cacheable to disk as gob.
//
// TierDataset
//   - Implements gomlx's train.Dataset. Each example stacks the profiles of
//     every cell type other than the target into a [K-1, genes] input and
//     uses the target cell type's profile as the [genes] label. Missing
//     profiles are zero rows in tier 1, or filled by an Imputer in tier 2.
//
// All CSV reads are lazy: shards are only opened when a batch or profile is
// actually requested (unless the in-memory cache is enabled).
package datasets
