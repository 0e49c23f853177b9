// Package models holds the tiered regressor graphs that map a stack of
// "other" cell-type expression profiles to a target cell type's profile.
package models

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
)

// Context hyperparameter names read by TierRegressor.
const (
	// ParamConvChannels is the number of convolution filters.
	ParamConvChannels = "conv_channels"

	// ParamConvKernelSize is the 1D convolution kernel width over the gene axis.
	ParamConvKernelSize = "conv_kernel_size"

	// ParamLSTMHidden is the hidden size of the recurrent branch; 0 disables it.
	ParamLSTMHidden = "lstm_hidden"

	// ParamHiddenDim is the width of the first of the two final linear layers.
	ParamHiddenDim = "hidden_dim"
)

// TierRegressor implements train.ModelFn for both tiers.
//
// inputs[0] is shaped [batchSize, numOthers, numGenes]. The stack is
// transposed so the gene axis is spatial and the other cell types become
// channels, then run through a same-padded 1D convolution. An optional LSTM
// branch reads the same sequence and contributes its last hidden state. Two
// linear layers map the combined features to the target profile
// [batchSize, numGenes].
func TierRegressor(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	_ = spec
	x := inputs[0]
	batchSize := x.Shape().Dimensions[0]
	numGenes := x.Shape().Dimensions[2]

	convChannels := context.GetParamOr(ctx, ParamConvChannels, 16)
	kernelSize := context.GetParamOr(ctx, ParamConvKernelSize, 5)
	lstmHidden := context.GetParamOr(ctx, ParamLSTMHidden, 0)
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 128)

	// [batchSize, numGenes, numOthers]: gene axis spatial, cell types as channels.
	seq := graph.TransposeAllDims(x, 0, 2, 1)

	conv := layers.Convolution(ctx.In("conv"), seq).
		Channels(convChannels).
		KernelSize(kernelSize).
		PadSame().
		Done()
	conv = activations.Relu(conv)
	features := graph.Reshape(conv, batchSize, -1)

	if lstmHidden > 0 {
		_, lastHidden, _ := lstm.New(ctx.In("lstm"), seq, lstmHidden).Done()
		// lastHidden: [numDirections=1, batchSize, lstmHidden].
		recurrent := graph.Reshape(lastHidden, batchSize, lstmHidden)
		features = graph.Concatenate([]*graph.Node{features, recurrent}, -1)
	}

	hidden := layers.Dense(ctx.In("hidden"), features, true, hiddenDim)
	hidden = activations.Relu(hidden)
	output := layers.Dense(ctx.In("output"), hidden, true, numGenes)
	output.AssertDims(batchSize, numGenes)
	return []*graph.Node{output}
}
