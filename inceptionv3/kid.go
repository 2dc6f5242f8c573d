// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inceptionv3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// KidMetric returns a metric that takes a batch of generated volumes and a batch of
// label volumes and returns a measure of similarity of their distributions.
//
// [Kernel Inception Distance (KID)](https://arxiv.org/abs/1801.01401) was proposed as a
// replacement for the popular [Frechet Inception Distance (FID)
// metric](https://arxiv.org/abs/1706.08500) for measuring generation quality. Both
// metrics measure the difference between the generated and training distributions in
// the representation space of an InceptionV3 network; here the volumetric variant is
// used, so the metric applies to 3D generative models.
//
// The implementation is based on the Keras one, described in
// https://keras.io/examples/generative/ddim/
//
// To directly calculate KID, as opposed to using it as a metric, see NewKidBuilder.
//
// Parameters:
//
//   - `baseDir`: directory with the model weights, downloaded and unpacked with
//     DownloadAndUnpackWeights. They are reused from there in subsequent calls.
//   - `kidVolumeSize`: resize input volumes (labels and predictions) to a cube of
//     `kidVolumeSize` edges before running the KID calculation. It must be between
//     MinimumVolumeSize and 299. Smaller values make the metric faster.
//   - `maxValue`: maximum value the volumes can take at any channel. If set to 0 the
//     values are not rescaled, and are expected to be in `[-1.0, 1.0]` already. Passed
//     to PreprocessVolume.
//   - `channelsConfig`: informs which is the channels axis, commonly set to
//     `images.ChannelsLast`. Passed to PreprocessVolume.
func KidMetric(baseDir string, kidVolumeSize int, maxValue float64, channelsConfig images.ChannelsAxisConfig) metrics.Interface {
	builder := NewKidBuilder(baseDir, kidVolumeSize, maxValue, channelsConfig)
	return metrics.NewMeanMetric("Kernel Inception Distance", "KID", "KID", builder.BuildGraph, nil)
}

// KidBuilder builds the graph to calculate the [Kernel Inception Distance
// (KID)](https://arxiv.org/abs/1801.01401) between two batches of volumes.
// See details in KidMetric.
type KidBuilder struct {
	baseDir        string
	kidVolumeSize  int
	maxValue       float64
	channelsConfig images.ChannelsAxisConfig
}

// NewKidBuilder configures a KidBuilder.
//
// KidBuilder builds the graph to calculate the KID between `labels` and `predictions`
// batches of volumes. The metric is normalized by the `labels` batch, so it is not
// symmetric. The parameters are documented in KidMetric.
func NewKidBuilder(baseDir string, kidVolumeSize int, maxValue float64, channelsConfig images.ChannelsAxisConfig) *KidBuilder {
	return &KidBuilder{
		baseDir:        baseDir,
		kidVolumeSize:  kidVolumeSize,
		maxValue:       maxValue,
		channelsConfig: channelsConfig,
	}
}

// BuildGraph returns the mean KID score of the two batches, see KidMetric.
//
// It returns a scalar with the mean distance of the volumes provided in labels and
// predictions, measured in the embedding space of the model.
func (builder *KidBuilder) BuildGraph(ctx *context.Context, labels, predictions []*Node) (output *Node) {
	// Sanity checking:
	g := predictions[0].Graph()
	dtype := predictions[0].DType()
	if len(labels) != 1 || len(predictions) != 1 {
		exceptions.Panicf("KidMetric expects only one volumes tensor in labels and predictions, got %d and %d",
			len(labels), len(predictions))
	}
	if builder.kidVolumeSize < MinimumVolumeSize || builder.kidVolumeSize > 299 {
		exceptions.Panicf("KidMetric was configured with an invalid target volume size (for KID calculation) of %d -- "+
			"valid values are between %d and 299", builder.kidVolumeSize, MinimumVolumeSize)
	}

	volumesPair := [2]*Node{labels[0], predictions[0]}
	volumesShape := volumesPair[0].Shape()
	if !volumesShape.Equal(volumesPair[1].Shape()) {
		exceptions.Panicf("Labels (%s) and predictions (%s) have different shapes",
			volumesPair[0].Shape(), volumesPair[1].Shape())
	}

	// Checks whether we need to resize the volumes.
	spatialAxes := images.GetSpatialAxes(volumesShape, builder.channelsConfig)
	var needsResizing bool
	for _, axis := range spatialAxes {
		if volumesShape.Dimensions[axis] != builder.kidVolumeSize {
			needsResizing = true
			break
		}
	}
	if needsResizing {
		// Resize to a cube with kidVolumeSize edges:
		newSizes := volumesPair[0].Shape().Clone().Dimensions
		for _, axis := range spatialAxes {
			newSizes[axis] = builder.kidVolumeSize
		}
		for volIdx := range volumesPair {
			volumesPair[volIdx] = Interpolate(volumesPair[volIdx], newSizes...).Done()
		}
	}

	// Standard preprocessing of the volumes for InceptionV3.
	for volIdx := range volumesPair {
		volumesPair[volIdx] = PreprocessVolume(volumesPair[volIdx], builder.maxValue, builder.channelsConfig)
	}

	// Apply the InceptionV3 model to each batch of volumes, sharing the weights.
	ctx = ctx.In("kid_metric").Checked(false)
	var features [2]*Node
	for volIdx := range volumesPair {
		features[volIdx] = BuildGraph(ctx, volumesPair[volIdx]).
			SetPooling(MeanPooling).ClassificationTop(false).PreTrained(builder.baseDir).
			ChannelsAxis(builder.channelsConfig).Trainable(false).Done()
	}
	batchSize := features[0].Shape().Dimensions[0]
	crossKernels := polynomialKernel(features)
	realKernels := polynomialKernel([2]*Node{features[0], features[0]})
	generatedKernels := polynomialKernel([2]*Node{features[1], features[1]})

	// Mean of the real and generated kernels: exclude the diagonal.
	normalizationNoDiagonal := 1.0 / float64(batchSize*(batchSize-1))
	identityBatch := DiagonalWithValue(ScalarOne(g, dtype), batchSize)
	meanRealKernels := ReduceSum(Mul(realKernels, OneMinus(identityBatch)))
	meanRealKernels = MulScalar(meanRealKernels, normalizationNoDiagonal)
	meanGeneratedKernels := ReduceSum(Mul(generatedKernels, OneMinus(identityBatch)))
	meanGeneratedKernels = MulScalar(meanGeneratedKernels, normalizationNoDiagonal)
	meanCrossKernels := ReduceAllMean(crossKernels)

	return Sub(
		Add(meanGeneratedKernels, meanRealKernels),
		Add(meanCrossKernels, meanCrossKernels))
}

func polynomialKernel(features [2]*Node) *Node {
	features[0].AssertRank(2)
	batchSize := features[0].Shape().Dimensions[0]
	numFeatures := features[0].Shape().Dimensions[1]
	features[1].AssertDims(batchSize, numFeatures)
	output := EinsumAxes(features[0], features[1], [][2]int{{1, 1}}, nil)
	output.AssertDims(batchSize, batchSize) // Cross of the batchSize, contraction of the numFeatures.
	output = AddScalar(
		MulScalar(output, 1.0/float64(numFeatures)),
		1.0)
	output = PowScalar(output, 3.0)
	return output
}
