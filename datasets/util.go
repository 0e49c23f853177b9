package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// parseFloat32 parses one CSV cell as a float32 expression value. Blank
// cells are an error: shards carry a measurement in every gene column.
func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// countCSVRows streams through a shard and returns its data row count, so
// the index never has to hold row content.
func countCSVRows(path string) (count int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err = reader.Read(); err != nil { // header
		return 0, err
	}
	for {
		if _, err = reader.Read(); err == io.EOF {
			return count, nil
		} else if err != nil {
			return 0, err
		}
		count++
	}
}

// readCSVHeader returns the header row of a CSV file.
func readCSVHeader(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return header, nil
}

// shardNameRE matches "<stage>_<celltype>_<nnn>.csv", e.g. "tier1_nk_003.csv".
var shardNameRE = regexp.MustCompile(`^(tier[12])_([a-zA-Z0-9+-]+)_(\d+)\.csv$`)

// parseShardName extracts the stage, cell type and sequence number from a
// shard base name. ok is false for files that don't follow the convention.
func parseShardName(base string) (stage, cellType string, seq int, ok bool) {
	m := shardNameRE.FindStringSubmatch(base)
	if m == nil {
		return "", "", 0, false
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, false
	}
	return m[1], strings.ToLower(m[2]), seq, true
}
