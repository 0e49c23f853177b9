package pipeline

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/perturbml/cellfill/datasets"
	"github.com/perturbml/cellfill/models"
)

// LossPoint is one sampled loss value during training.
type LossPoint struct {
	Step int
	Loss float64
}

// PredObs pairs an example's mean predicted expression with its mean observed
// expression, for holdout scatter plots.
type PredObs struct {
	Pred float64
	Obs  float64
}

// Trained is the result of training one target cell type's regressor.
type Trained struct {
	Stage  string
	Target string

	// Ctx holds the trained model variables and hyperparameters.
	Ctx *context.Context

	// GlobalStep after training, counting steps from resumed checkpoints.
	GlobalStep int64

	// TrainLoss is the sampled batch loss history of this run.
	TrainLoss []LossPoint

	// HoldoutMSE and HoldoutPoints are only set when a shard was held out.
	HoldoutMSE    float64
	HoldoutPoints []PredObs
}

// newModelContext creates a context carrying the model and optimizer
// hyperparameters from the config.
func newModelContext(cfg *Config) *context.Context {
	ctx := context.New()
	ctx.RngStateFromSeed(cfg.Training.Seed)
	ctx.SetParam(optimizers.ParamLearningRate, cfg.Training.LearningRate)
	ctx.SetParam(models.ParamConvChannels, cfg.Training.ConvChannels)
	ctx.SetParam(models.ParamConvKernelSize, cfg.Training.ConvKernelSize)
	ctx.SetParam(models.ParamLSTMHidden, cfg.Training.LSTMHidden)
	ctx.SetParam(models.ParamHiddenDim, cfg.Training.HiddenDim)
	return ctx
}

// TrainTarget trains the regressor for one target cell type of the store's
// stage. When holdOutShard >= 0 the samples of that target shard are held out
// of training and scored afterwards; checkpointing is disabled for such fold
// runs. With holdOutShard < 0 the full data is used and the model checkpoints
// under <checkpoint_dir>/<stage>/<target>, resuming if one exists.
func TrainTarget(backend backends.Backend, cfg *Config, store *datasets.ProfileStore,
	target string, imp datasets.Imputer, holdOutShard int) (*Trained, error) {
	stage := store.Index.Stage
	trained := &Trained{Stage: stage, Target: target}

	ctx := newModelContext(cfg)
	var checkpoint *checkpoints.Handler
	if holdOutShard < 0 && cfg.CheckpointDir != "" {
		dir := filepath.Join(cfg.CheckpointDir, stage, target)
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			Dir(dir).
			Keep(cfg.Training.CheckpointsToKeep).
			Done()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to set up checkpoints in %s", dir)
		}
	}
	trained.Ctx = ctx

	trainDS, err := datasets.NewTierDataset(store, target, cfg.Training.BatchSize)
	if err != nil {
		return nil, err
	}
	if imp != nil {
		trainDS.WithImputer(imp)
	}
	trainDS.WithSeed(cfg.Training.Seed).Infinite(true).Shuffle()

	var holdout *datasets.TierDataset
	if holdOutShard >= 0 {
		if _, err := trainDS.ExcludeShard(holdOutShard); err != nil {
			return nil, err
		}
		trainDS.SetName(fmt.Sprintf("%s/%s/fold%d/train", stage, target, holdOutShard))
		holdout, err = datasets.NewTierDataset(store, target, cfg.Training.BatchSize)
		if err != nil {
			return nil, err
		}
		if imp != nil {
			holdout.WithImputer(imp)
		}
		if _, err := holdout.OnlyShard(holdOutShard); err != nil {
			return nil, err
		}
		holdout.SetName(fmt.Sprintf("%s/%s/fold%d/holdout", stage, target, holdOutShard))
	}

	globalStep := optimizers.GetGlobalStep(ctx)
	steps := cfg.Training.Steps - int(globalStep)
	if steps <= 0 {
		klog.Infof("%s/%s: already trained to step %d, nothing to do", stage, target, globalStep)
		trained.GlobalStep = globalStep
	} else {
		trainer := train.NewTrainer(backend, ctx, models.TierRegressor, models.WeightedMSE,
			optimizers.Adam().Done(),
			[]metrics.Interface{models.NewRMSEMetric()},
			[]metrics.Interface{models.NewMSEMetric(), models.NewRMSEMetric()})

		loop := train.NewLoop(trainer)
		commandline.AttachProgressBar(loop)

		lossEvery := cfg.Training.LossEveryN
		if lossEvery <= 0 {
			lossEvery = 50
		}
		train.EveryNSteps(loop, lossEvery, "loss history", 0,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				loss, err := scalarToFloat64(stepMetrics[0])
				if err != nil {
					return err
				}
				trained.TrainLoss = append(trained.TrainLoss, LossPoint{Step: loop.LoopStep, Loss: loss})
				return nil
			})
		if checkpoint != nil {
			train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
				func(_ *train.Loop, _ []*tensors.Tensor) error {
					return checkpoint.Save()
				})
		}

		klog.Infof("%s: training %d steps (resuming from step %d), %d examples",
			trainDS.Name(), steps, globalStep, trainDS.NumExamples())
		if _, err := loop.RunSteps(trainDS, steps); err != nil {
			return nil, errors.Wrapf(err, "training %s failed", trainDS.Name())
		}
		trained.GlobalStep = optimizers.GetGlobalStep(ctx)

		if holdout != nil {
			if err := commandline.ReportEval(trainer, holdout); err != nil {
				return nil, errors.Wrapf(err, "eval of %s failed", holdout.Name())
			}
			holdout.Reset()
		}
	}

	if holdout != nil {
		mse, points, err := evalPredictions(backend, ctx, store, holdout)
		if err != nil {
			return nil, errors.Wrapf(err, "holdout eval of %s failed", holdout.Name())
		}
		trained.HoldoutMSE = mse
		trained.HoldoutPoints = points
		klog.Infof("%s: holdout MSE %.6f over %d examples", holdout.Name(), mse, holdout.NumExamples())
	}
	return trained, nil
}

// evalPredictions runs the trained model over a finite dataset and returns
// the mean squared error over the unpadded rows plus per-example
// (mean predicted, mean observed) pairs.
func evalPredictions(backend backends.Backend, ctx *context.Context,
	store *datasets.ProfileStore, ds *datasets.TierDataset) (float64, []PredObs, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, inputs *graph.Node) *graph.Node {
			return models.TierRegressor(ctx, nil, []*graph.Node{inputs})[0]
		})
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to compile inference graph")
	}

	numGenes := store.Index.NumGenes()
	var sqSum float64
	var rows int
	var points []PredObs

	ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nil, err
		}
		pred, err := exec.Exec1(inputs[0])
		if err != nil {
			return 0, nil, errors.Wrap(err, "inference failed")
		}

		var predFlat, labFlat, wFlat []float32
		tensors.ConstFlatData[float32](pred, func(flat []float32) { predFlat = append(predFlat, flat...) })
		tensors.ConstFlatData[float32](labels[0], func(flat []float32) { labFlat = append(labFlat, flat...) })
		tensors.ConstFlatData[float32](labels[1], func(flat []float32) { wFlat = append(wFlat, flat...) })

		for i, w := range wFlat {
			if w == 0 {
				continue
			}
			rows++
			var predMean, obsMean float64
			for g := 0; g < numGenes; g++ {
				p := float64(predFlat[i*numGenes+g])
				o := float64(labFlat[i*numGenes+g])
				d := p - o
				sqSum += d * d
				predMean += p
				obsMean += o
			}
			points = append(points, PredObs{
				Pred: predMean / float64(numGenes),
				Obs:  obsMean / float64(numGenes),
			})
		}
	}
	if rows == 0 {
		return 0, nil, errors.New("dataset yielded no rows to evaluate")
	}
	return sqSum / float64(rows*numGenes), points, nil
}

// scalarToFloat64 reads a scalar metric tensor of either float width.
func scalarToFloat64(t *tensors.Tensor) (float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.ToScalar[float64](t), nil
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t)), nil
	default:
		return 0, errors.Errorf("unexpected metric dtype %s", t.DType())
	}
}
