package pipeline

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/perturbml/cellfill/datasets"
)

// FoldScore is the held-out score of one leave-one-shard-out fold.
type FoldScore struct {
	Shard       int     `json:"shard"`
	MSE         float64 `json:"mse"`
	NumExamples int     `json:"num_examples"`
}

// CVReport summarizes a leave-one-shard-out run for one target cell type.
type CVReport struct {
	Stage  string      `json:"stage"`
	Target string      `json:"target"`
	Folds  []FoldScore `json:"folds"`

	MeanMSE   float64 `json:"mean_mse"`
	StdDevMSE float64 `json:"stddev_mse"`

	// Points pools every fold's holdout (mean predicted, mean observed)
	// pairs, for the scatter plot.
	Points []PredObs `json:"-"`
}

// LeaveOneShardOut cross-validates the target's regressor: each shard of the
// target cell type is held out once, a fresh model is trained on the rest and
// scored on the held-out samples. Folds whose filter would empty either side
// (single-shard targets cannot fold at all) are reported as an error by the
// underlying dataset.
func LeaveOneShardOut(backend backends.Backend, cfg *Config, store *datasets.ProfileStore,
	target string, imp datasets.Imputer) (*CVReport, error) {
	report := &CVReport{Stage: store.Index.Stage, Target: target}
	numShards := len(store.Index.Shards(target))

	mses := make([]float64, 0, numShards)
	for shard := 0; shard < numShards; shard++ {
		klog.Infof("%s/%s: fold %d of %d", report.Stage, target, shard+1, numShards)
		trained, err := TrainTarget(backend, cfg, store, target, imp, shard)
		if err != nil {
			return nil, err
		}
		report.Folds = append(report.Folds, FoldScore{
			Shard:       shard,
			MSE:         trained.HoldoutMSE,
			NumExamples: len(trained.HoldoutPoints),
		})
		report.Points = append(report.Points, trained.HoldoutPoints...)
		mses = append(mses, trained.HoldoutMSE)
	}

	report.MeanMSE = stat.Mean(mses, nil)
	if len(mses) > 1 {
		report.StdDevMSE = stat.StdDev(mses, nil)
	} else {
		report.StdDevMSE = math.NaN()
	}
	klog.Infof("%s/%s: LOOCV MSE %.6f +/- %.6f over %d folds",
		report.Stage, target, report.MeanMSE, report.StdDevMSE, len(mses))
	return report, nil
}
