package models

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/google/uuid"
)

// weightedSquaredError returns the mean squared error between labels[0] and
// predictions[0], honoring the per-row weights in labels[1] when present.
// Rows with weight 0 (batch padding) contribute nothing, and the mean is
// normalized by the weighted row count, not the padded batch size.
func weightedSquaredError(labels, predictions []*graph.Node) *graph.Node {
	pred := predictions[0] // [batchSize, numGenes]
	lab := labels[0]
	diff := graph.Sub(lab, pred)
	sq := graph.Mul(diff, diff)

	if len(labels) < 2 {
		return graph.ReduceAllMean(sq)
	}

	weights := labels[1] // [batchSize, 1]
	numGenes := lab.Shape().Dimensions[1]
	sq = graph.Mul(sq, graph.BroadcastToShape(weights, lab.Shape()))
	denom := graph.MulScalar(graph.ReduceAllSum(weights), float64(numGenes))
	return graph.Div(graph.ReduceAllSum(sq), denom)
}

// WeightedMSE is the training loss: per-row weighted mean squared error.
func WeightedMSE(labels, predictions []*graph.Node) *graph.Node {
	return weightedSquaredError(labels, predictions)
}

// rowWeightedMean implements metrics.Interface, accumulating the weighted
// squared error across batches. Each batch contributes with weight equal to
// its real row count (the sum of labels[1]) rather than the padded batch
// size, so the reported mean is exactly the mean over unpadded rows even
// when the final batch is mostly padding.
//
// The total/weight accumulator variables follow metrics.MeanMetric.
type rowWeightedMean struct {
	name, shortName, metricType string
	scopeName                   string
	sqrt                        bool
}

func (m *rowWeightedMean) Name() string       { return m.name }
func (m *rowWeightedMean) ShortName() string  { return m.shortName }
func (m *rowWeightedMean) MetricType() string { return m.metricType }

func (m *rowWeightedMean) ScopeName() string {
	if m.scopeName == "" {
		m.scopeName = context.EscapeScopeName(fmt.Sprintf("%s_uuid_%s", m.name, uuid.NewString()))
	}
	return m.scopeName
}

func (m *rowWeightedMean) UpdateGraph(ctx *context.Context, labels, predictions []*graph.Node) *graph.Node {
	g := predictions[0].Graph()
	result := weightedSquaredError(labels, predictions)

	var batchWeight *graph.Node
	if len(labels) >= 2 {
		batchWeight = graph.ConvertDType(graph.ReduceAllSum(labels[1]), result.DType())
	} else {
		batchWeight = metrics.BatchSize(predictions[0])
	}

	ctx = ctx.Checked(false).In(metrics.Scope).In(m.ScopeName())
	zero := shapes.CastAsDType(0, result.DType())
	totalVar := ctx.VariableWithValue("total", zero).SetTrainable(false)
	weightVar := ctx.VariableWithValue("weight", zero).SetTrainable(false)

	total := graph.Add(totalVar.ValueGraph(g), graph.Mul(result, batchWeight))
	weight := graph.Add(weightVar.ValueGraph(g), batchWeight)
	mean := graph.Div(total, weight)
	totalVar.SetValueGraph(total)
	weightVar.SetValueGraph(weight)

	if m.sqrt {
		return graph.Sqrt(mean)
	}
	return mean
}

func (m *rowWeightedMean) PrettyPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.3g", value.Value())
}

func (m *rowWeightedMean) Reset(ctx *context.Context) {
	ctx = ctx.Checked(false).In(metrics.Scope).In(m.ScopeName())
	for _, name := range []string{"total", "weight"} {
		v := ctx.GetVariableByScopeAndName(ctx.Scope(), name)
		if v == nil {
			continue // Reset may run before the first UpdateGraph.
		}
		v.MustSetValue(tensors.FromAnyValue(shapes.CastAsDType(0, v.MustValue().DType())))
	}
}

// NewMSEMetric returns an eval metric reporting mean squared error over the
// unpadded rows.
func NewMSEMetric() metrics.Interface {
	return &rowWeightedMean{
		name:       "Mean Squared Error",
		shortName:  "#mse",
		metricType: "mse",
	}
}

// NewRMSEMetric returns an eval metric reporting the root of the mean
// squared error over the unpadded rows.
func NewRMSEMetric() metrics.Interface {
	return &rowWeightedMean{
		name:       "Root Mean Squared Error",
		shortName:  "#rmse",
		metricType: "rmse",
		sqrt:       true,
	}
}
