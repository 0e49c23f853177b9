package pipeline

import (
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/perturbml/cellfill/datasets"
	"github.com/perturbml/cellfill/models"
)

// ModelImputer predicts a sample's profile in one cell type from its observed
// profiles in the other cell types, using that cell type's trained regressor.
// Inputs the sample was never measured in are fed as zero rows; imputation is
// never recursive.
type ModelImputer struct {
	store    *datasets.ProfileStore
	target   string
	others   []string
	numGenes int
	exec     *context.Exec

	mu    sync.Mutex
	cache map[string][]float32 // sample id -> imputed profile
}

// NewModelImputer wraps an already-trained model context for one target cell
// type. The store provides the observed profiles; its cell types must match
// the ones the model was trained on.
func NewModelImputer(backend backends.Backend, ctx *context.Context,
	store *datasets.ProfileStore, target string) (*ModelImputer, error) {
	if store.Samples == nil {
		return nil, errors.New("profile store has no sample index attached")
	}
	var others []string
	found := false
	for _, ct := range store.Index.CellTypes() {
		if ct == target {
			found = true
			continue
		}
		others = append(others, ct)
	}
	if !found {
		return nil, errors.Errorf("unknown target cell type %q", target)
	}

	exec, err := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, inputs *graph.Node) *graph.Node {
			return models.TierRegressor(ctx, nil, []*graph.Node{inputs})[0]
		})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile %s imputation graph", target)
	}
	return &ModelImputer{
		store:    store,
		target:   target,
		others:   others,
		numGenes: store.Index.NumGenes(),
		exec:     exec,
		cache:    make(map[string][]float32),
	}, nil
}

// Target returns the cell type this imputer fills.
func (mi *ModelImputer) Target() string { return mi.target }

// Impute implements datasets.Imputer for the single target cell type.
func (mi *ModelImputer) Impute(sample, cellType string) ([]float32, error) {
	if cellType != mi.target {
		return nil, errors.Errorf("imputer for %q asked to impute %q", mi.target, cellType)
	}

	mi.mu.Lock()
	cached, ok := mi.cache[sample]
	mi.mu.Unlock()
	if ok {
		return cached, nil
	}

	in := make([]float32, len(mi.others)*mi.numGenes)
	for j, ct := range mi.others {
		profile, observed, err := mi.store.Profile(sample, ct)
		if err != nil {
			return nil, err
		}
		if observed {
			copy(in[j*mi.numGenes:(j+1)*mi.numGenes], profile)
		}
	}

	inT := tensors.FromFlatDataAndDimensions(in, 1, len(mi.others), mi.numGenes)
	out, err := mi.exec.Exec1(inT)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to impute %s profile for sample %q", mi.target, sample)
	}
	profile := make([]float32, mi.numGenes)
	tensors.ConstFlatData[float32](out, func(flat []float32) { copy(profile, flat) })

	mi.mu.Lock()
	mi.cache[sample] = profile
	mi.mu.Unlock()
	return profile, nil
}

// ImputerSet dispatches imputation requests to the per-cell-type model
// imputers. It is the tier-2 dataset's Imputer and the submission writer's
// value source.
type ImputerSet struct {
	byTarget map[string]*ModelImputer
}

// NewImputerSet loads every cell type's trained checkpoint from
// <checkpoint_dir>/<stage>/<target> and wires a ModelImputer around each.
// The store supplies the observed profiles fed to the models and may belong
// to a different stage than the checkpoints were trained on.
func NewImputerSet(backend backends.Backend, cfg *Config, store *datasets.ProfileStore,
	checkpointStage string) (*ImputerSet, error) {
	if cfg.CheckpointDir == "" {
		return nil, errors.New("checkpoint_dir must be set to load trained models")
	}
	set := &ImputerSet{byTarget: make(map[string]*ModelImputer)}
	for _, target := range store.Index.CellTypes() {
		dir := filepath.Join(cfg.CheckpointDir, checkpointStage, target)
		ctx := newModelContext(cfg)
		handler, err := checkpoints.Build(ctx).Dir(dir).Done()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load %s checkpoint from %s", target, dir)
		}
		if has, err := handler.HasCheckpoints(); err != nil {
			return nil, errors.Wrapf(err, "failed to list checkpoints in %s", dir)
		} else if !has {
			return nil, errors.Errorf("no trained %s model in %s; run the train stage first", target, dir)
		}
		mi, err := NewModelImputer(backend, ctx, store, target)
		if err != nil {
			return nil, err
		}
		set.byTarget[target] = mi
		klog.V(1).Infof("loaded %s model from %s", target, dir)
	}
	return set, nil
}

// Add registers an imputer, replacing any previous one for its target.
func (s *ImputerSet) Add(mi *ModelImputer) {
	if s.byTarget == nil {
		s.byTarget = make(map[string]*ModelImputer)
	}
	s.byTarget[mi.Target()] = mi
}

// Impute implements datasets.Imputer over every cell type in the set.
func (s *ImputerSet) Impute(sample, cellType string) ([]float32, error) {
	mi, ok := s.byTarget[cellType]
	if !ok {
		return nil, errors.Errorf("no trained model for cell type %q", cellType)
	}
	return mi.Impute(sample, cellType)
}
