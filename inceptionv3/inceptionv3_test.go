// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inceptionv3

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// testVolume returns a deterministic volume with values in [0, 1), shaped
// `[batch, size, size, size, channels]`.
func testVolume(g *Graph, batch, size, channels int) *Node {
	shape := shapes.Make(dtypes.Float32, batch, size, size, size, channels)
	return MulScalar(IotaFull(g, shape), 1.0/float64(shape.Size()))
}

func TestBuildGraphShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	testCases := []struct {
		name     string
		config   func(cfg *Config) *Config
		wantDims []int
	}{
		{"classification-top", func(cfg *Config) *Config {
			return cfg.Classes(11)
		}, []int{3, 11}},
		{"mean-pooling", func(cfg *Config) *Config {
			return cfg.ClassificationTop(false).SetPooling(MeanPooling)
		}, []int{3, EmbeddingSize}},
		{"max-pooling", func(cfg *Config) *Config {
			return cfg.ClassificationTop(false).SetPooling(MaxPooling)
		}, []int{3, EmbeddingSize}},
		{"no-pooling", func(cfg *Config) *Config {
			return cfg.ClassificationTop(false)
		}, []int{3, 1, 1, 1, EmbeddingSize}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctx := context.New()
			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				volume := testVolume(g, 3, 16, 3)
				return testCase.config(BuildGraph(ctx, volume)).Done()
			})
			output := exec.MustExec()[0]
			fmt.Printf("\t%s: output shape=%s\n", testCase.name, output.Shape())
			require.True(t, output.Shape().Equal(shapes.Make(dtypes.Float32, testCase.wantDims...)),
				"output shaped %s, wanted dimensions %v", output.Shape(), testCase.wantDims)
		})
	}
}

func TestBuildGraphClassification(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		volume := testVolume(g, 2, 16, 1)
		return BuildGraph(ctx, volume).Classes(7).Done()
	})
	predictions := exec.MustExec()[0].Value().([][]float32)
	require.Len(t, predictions, 2)
	for batchIdx, example := range predictions {
		var sum float32
		for _, probability := range example {
			require.GreaterOrEqual(t, probability, float32(0), "negative probability for example %d", batchIdx)
			sum += probability
		}
		assert.InDelta(t, 1.0, sum, 1e-3, "probabilities of example %d don't add up to 1", batchIdx)
	}
}

func TestBuildGraphStrides(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// The third spatial axis is never downsampled: anisotropic volumes, like CT scans
	// with few slices, keep their thin axis.
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		volume := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 32, 32, 4, 1)), 1e-4)
		return BuildGraph(ctx, volume).
			ClassificationTop(false).
			StridesPerStage(
				[3]int{2, 2, 1}, [3]int{2, 2, 1}, [3]int{2, 2, 1}, [3]int{2, 2, 1}, [3]int{2, 2, 1}).
			Done()
	})
	output := exec.MustExec()[0]
	require.True(t, output.Shape().Equal(shapes.Make(dtypes.Float32, 1, 1, 1, 2, EmbeddingSize)),
		"unexpected output shape %s for per-axis strides", output.Shape())

	// StrideForStage with one value is broadcast to the 3 axes: the schedule must be
	// equivalent to the one written out per axis.
	ctxBroadcast := context.New()
	execBroadcast := context.MustNewExec(backend, ctxBroadcast, func(ctx *context.Context, g *Graph) *Node {
		volume := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 16, 16, 16, 1)), 1e-4)
		return BuildGraph(ctx, volume).
			ClassificationTop(false).
			Strides(1).
			StrideForStage(0, 2).
			StrideForStage(1, 2, 2, 2).
			Done()
	})
	outputBroadcast := execBroadcast.MustExec()[0]
	// Stages 0 and 1 take 16 to 8 and then to 3. The stride-1 stem pooling still
	// shrinks by one (window 2, no padding), and the reduction blocks pad.
	require.True(t, outputBroadcast.Shape().Equal(shapes.Make(dtypes.Float32, 1, 2, 2, 2, EmbeddingSize)),
		"unexpected output shape %s for partially downsampling schedule", outputBroadcast.Shape())
}

func TestBuildGraphErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		volume := testVolume(g, 1, 16, 1)

		// Input must be rank-5.
		matrix := IotaFull(g, shapes.Make(dtypes.Float32, 16, 16))
		require.Panics(t, func() { BuildGraph(ctx.In("rank"), matrix).Done() })

		// The stride schedule must have one entry per downsampling stage, and strides
		// must be positive.
		require.Panics(t, func() {
			BuildGraph(ctx.In("short-schedule"), volume).StridesPerStage([3]int{2, 2, 2}).Done()
		})
		require.Panics(t, func() {
			BuildGraph(ctx.In("zero-stride"), volume).StrideForStage(2, 0).Done()
		})
		require.Panics(t, func() { BuildGraph(ctx, volume).StrideForStage(NumDownsamplingStages, 2) })
		require.Panics(t, func() { BuildGraph(ctx, volume).StrideForStage(0, 2, 2) })

		// Invalid pooling selector.
		require.Panics(t, func() {
			BuildGraph(ctx.In("pooling"), volume).ClassificationTop(false).SetPooling(PoolingType(99)).Done()
		})

		// The named pre-trained weights come with a 1000 classes top.
		require.Panics(t, func() {
			BuildGraph(ctx.In("classes"), volume).Weights(WeightsImageNet).Classes(10).Done()
		})

		// A path-form weights source must exist and excludes PreTrained.
		require.Panics(t, func() {
			BuildGraph(ctx.In("missing"), volume).Weights("/does/not/exist").Done()
		})

		// Converted Keras kernels are laid out channels-last.
		require.Panics(t, func() {
			BuildGraph(ctx.In("layout"), volume).PreTrained("/tmp").ChannelsAxis(images.ChannelsFirst).Done()
		})

		return volume
	})
	_ = exec.MustExec()
}

func TestBuildGraphAliases(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		volume := testVolume(g, 1, 16, 3)
		output := BuildGraph(ctx, volume).Classes(3).WithAliases(true).Done()
		var numAliased int
		for range g.IterAliasedNodes() {
			numAliased++
		}
		fmt.Printf("\t%d aliased nodes in the graph\n", numAliased)
		require.NotNil(t, g.GetNodeByAlias("/inceptionV3/conv_000/output"))
		require.NotNil(t, g.GetNodeByAlias("/inceptionV3/conv_093/output"))
		require.Nil(t, g.GetNodeByAlias("/inceptionV3/conv_094/output"))
		require.NotNil(t, g.GetNodeByAlias("/inceptionV3/logits"))
		require.True(t, g.GetNodeByAlias("/inceptionV3/predictions") == output)
		return output
	})
	_ = exec.MustExec()

	ctxEmbed := context.New()
	execEmbed := context.MustNewExec(backend, ctxEmbed, func(ctx *context.Context, g *Graph) *Node {
		volume := testVolume(g, 1, 16, 3)
		output := BuildGraph(ctx, volume).
			ClassificationTop(false).SetPooling(MeanPooling).WithAliases(true).
			Done()
		require.True(t, g.GetNodeByAlias("/inceptionV3/embedding") == output)
		require.Nil(t, g.GetNodeByAlias("/inceptionV3/logits"))
		return output
	})
	_ = execEmbed.MustExec()
}

func TestBuildGraphWeightSharing(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		// Two applications on the same scope share all variables, like the KID metric
		// applying the model to both of its inputs.
		ctxShared := ctx.In("shared").Checked(false)
		volume := testVolume(g, 1, 16, 3)
		outputA := BuildGraph(ctxShared, volume).ClassificationTop(false).SetPooling(MeanPooling).Done()
		outputB := BuildGraph(ctxShared, volume).ClassificationTop(false).SetPooling(MeanPooling).Done()
		return []*Node{outputA, outputB}
	})
	outputs := exec.MustExec()

	var numKernels int
	ctx.In("shared").EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Name() == "weights" {
			numKernels++
		}
	})
	require.Equal(t, 94, numKernels, "the model has 94 convolutions, each with one kernel")

	outputA := outputs[0].Value().([][]float32)[0]
	outputB := outputs[1].Value().([][]float32)[0]
	assert.InDeltaSlice(t, outputA, outputB, 1e-6,
		"the two applications share weights, the same volume must produce the same embedding")
}

func TestBuildGraphCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	checkpointDir := t.TempDir()

	modelFn := func(weightsDir string) func(ctx *context.Context, g *Graph) *Node {
		return func(ctx *context.Context, g *Graph) *Node {
			volume := testVolume(g, 1, 16, 3)
			cfg := BuildGraph(ctx, volume).Classes(5)
			if weightsDir != "" {
				cfg.Weights(weightsDir)
			}
			return cfg.Done()
		}
	}

	ctxSaved := context.New()
	execSaved := context.MustNewExec(backend, ctxSaved, modelFn(""))
	want := execSaved.MustExec()[0].Value().([][]float32)[0]

	checkpoint, err := checkpoints.Build(ctxSaved).Dir(checkpointDir).Keep(1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	// A fresh context with Weights(dir) must reproduce the saved model exactly.
	ctxLoaded := context.New()
	execLoaded := context.MustNewExec(backend, ctxLoaded, modelFn(checkpointDir))
	got := execLoaded.MustExec()[0].Value().([][]float32)[0]
	assert.InDeltaSlice(t, want, got, 1e-6,
		"model loaded from checkpoint differs from the saved one")
}

func TestKerasWeightsScopes(t *testing.T) {
	ctx := context.New()
	kw := &kerasWeights{}

	// Layer scopes are named in creation order, 0-based like the Keras layer names.
	require.Equal(t, "/conv3d", kw.ReadNextConv3D(ctx).Scope())
	require.Equal(t, "/conv3d_1", kw.ReadNextConv3D(ctx).Scope())
	require.Equal(t, "/conv3d_2", kw.ReadNextConv3D(ctx).Scope())
	require.Equal(t, "/batch_normalization", kw.ReadNextBatchNormalization(ctx).Scope())
	require.Equal(t, "/batch_normalization_1", kw.ReadNextBatchNormalization(ctx).Scope())
	require.Equal(t, "/predictions", kw.ReadPredictions(ctx).Scope())
}
