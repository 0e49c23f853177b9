package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/perturbml/cellfill/datasets"
)

// Manifest describes one written submission file.
type Manifest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Stage     string    `json:"stage"`
	Path      string    `json:"path"`
	Rows      int       `json:"rows"`
	NumGenes  int       `json:"num_genes"`
}

// WriteSubmission imputes every missing (sample, cell type) pair of the
// store's stage and writes them as a wide CSV with header
// "sample_id,cell_type,<genes...>", ordered by sample then cell type. A JSON
// manifest with a fresh id is written next to it at path + ".manifest.json".
func WriteSubmission(path string, store *datasets.ProfileStore, imp datasets.Imputer) (*Manifest, error) {
	if store.Samples == nil {
		return nil, errors.New("profile store has no sample index attached")
	}
	pairs := store.Samples.MissingPairs()
	if len(pairs) == 0 {
		return nil, errors.New("no missing (sample, cell type) pairs to impute")
	}
	genes := store.Index.Genes()

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create submission %s", path)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := append([]string{"sample_id", "cell_type"}, genes...)
	if err := writer.Write(header); err != nil {
		return nil, errors.Wrap(err, "failed to write submission header")
	}

	record := make([]string, len(header))
	for _, pair := range pairs {
		profile, err := imp.Impute(pair.Sample, pair.CellType)
		if err != nil {
			return nil, err
		}
		if len(profile) != len(genes) {
			return nil, errors.Errorf("imputed %d genes for %s/%s, want %d",
				len(profile), pair.Sample, pair.CellType, len(genes))
		}
		record[0] = pair.Sample
		record[1] = pair.CellType
		for i, v := range profile {
			record[i+2] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		if err := writer.Write(record); err != nil {
			return nil, errors.Wrap(err, "failed to write submission row")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to flush submission")
	}

	manifest := &Manifest{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Stage:     store.Index.Stage,
		Path:      path,
		Rows:      len(pairs),
		NumGenes:  len(genes),
	}
	manifestPath := path + ".manifest.json"
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write manifest %s", manifestPath)
	}

	klog.Infof("wrote %d imputed rows to %s (manifest %s)", len(pairs), path, manifestPath)
	return manifest, nil
}
