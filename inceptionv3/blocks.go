// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inceptionv3

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// poolWindow returns the per-axis pooling window of a downsampling stage, one larger
// than the stride so neighboring windows overlap by one voxel.
func poolWindow(strides [3]int) []int {
	return []int{strides[0] + 1, strides[1] + 1, strides[2] + 1}
}

// inceptionGraph builds the volumetric InceptionV3 trunk, from the input volume to the
// last mixed block, with EmbeddingSize channels. The topology is fixed; only the
// strides of the 5 downsampling stages are configurable.
//
// The asymmetric kernels of the 7x7 and 3x3 factorized branches extend only over the
// first two spatial axes, with size 1 on the third, mirroring how the 2D kernels are
// inflated to volumes in the converted weights.
func inceptionGraph(cfg *Config, ctx *context.Context, kw *kerasWeights, x *Node) *Node {
	channelsAxis := images.GetChannelsAxis(x, cfg.channelsConfig)
	strides := cfg.strides

	// Stem: 3x3x3 convolutions interleaved with two max poolings, consuming stride
	// stages 0 to 2.
	x = conv3DWithBatchNorm(cfg, ctx, kw, x, 32, 3, 3, 3, strides[0][:]...)
	x = conv3DWithBatchNorm(cfg, ctx, kw, x, 32, 3, 3, 3)
	x = conv3DWithBatchNorm(cfg, ctx, kw, x, 64, 3, 3, 3)
	x = MaxPool(x).ChannelsAxis(cfg.channelsConfig).
		WindowPerAxis(poolWindow(strides[1])...).StridePerAxis(strides[1][:]...).
		NoPadding().Done()

	x = conv3DWithBatchNorm(cfg, ctx, kw, x, 80, 1, 1, 1)
	x = conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 3, 3, 3)
	x = MaxPool(x).ChannelsAxis(cfg.channelsConfig).
		WindowPerAxis(poolWindow(strides[2])...).StridePerAxis(strides[2][:]...).
		NoPadding().Done()

	// Mixed convolutions 0: 256 channels.
	branch1x1 := conv3DWithBatchNorm(cfg, ctx, kw, x, 64, 1, 1, 1)

	branch5x5 := conv3DWithBatchNorm(cfg, ctx, kw, x, 48, 1, 1, 1)
	branch5x5 = conv3DWithBatchNorm(cfg, ctx, kw, branch5x5, 64, 5, 5, 5)

	branch3x3Dbl := conv3DWithBatchNorm(cfg, ctx, kw, x, 64, 1, 1, 1)
	branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 96, 3, 3, 3)
	branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 96, 3, 3, 3)

	branchPool := MeanPool(x).ChannelsAxis(cfg.channelsConfig).Window(3).Strides(1).PadSame().Done()
	branchPool = conv3DWithBatchNorm(cfg, ctx, kw, branchPool, 32, 1, 1, 1)
	x = Concatenate([]*Node{branch1x1, branch5x5, branch3x3Dbl, branchPool}, channelsAxis)

	// Mixed convolutions 1 & 2: 288 channels.
	for range 2 {
		branch1x1 = conv3DWithBatchNorm(cfg, ctx, kw, x, 64, 1, 1, 1)

		branch5x5 = conv3DWithBatchNorm(cfg, ctx, kw, x, 48, 1, 1, 1)
		branch5x5 = conv3DWithBatchNorm(cfg, ctx, kw, branch5x5, 64, 5, 5, 5)

		branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, x, 64, 1, 1, 1)
		branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 96, 3, 3, 3)
		branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 96, 3, 3, 3)

		branchPool = MeanPool(x).ChannelsAxis(cfg.channelsConfig).Window(3).Strides(1).PadSame().Done()
		branchPool = conv3DWithBatchNorm(cfg, ctx, kw, branchPool, 64, 1, 1, 1)
		x = Concatenate([]*Node{branch1x1, branch5x5, branch3x3Dbl, branchPool}, channelsAxis)
	}

	// Mixed convolutions 3: 768 channels, downsampling with stride stage 3.
	branch3x3 := conv3DWithBatchNorm(cfg, ctx, kw, x, 384, 3, 3, 3, strides[3][:]...)

	branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, x, 64, 1, 1, 1)
	branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 96, 3, 3, 3)
	branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 96, 3, 3, 3, strides[3][:]...)

	branchPool = MaxPool(x).ChannelsAxis(cfg.channelsConfig).
		WindowPerAxis(poolWindow(strides[3])...).StridePerAxis(strides[3][:]...).
		PadSame().Done()
	x = Concatenate([]*Node{branch3x3, branch3x3Dbl, branchPool}, channelsAxis)

	// Mixed convolutions 4: 768 channels.
	branch1x1 = conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 1, 1, 1)

	branch7x7 := conv3DWithBatchNorm(cfg, ctx, kw, x, 128, 1, 1, 1)
	branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7, 128, 1, 7, 1)
	branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7, 192, 7, 1, 1)

	branch7x7Dbl := conv3DWithBatchNorm(cfg, ctx, kw, x, 128, 1, 1, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 128, 7, 1, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 128, 1, 7, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 128, 7, 1, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 192, 1, 7, 1)

	branchPool = MeanPool(x).ChannelsAxis(cfg.channelsConfig).Window(3).Strides(1).PadSame().Done()
	branchPool = conv3DWithBatchNorm(cfg, ctx, kw, branchPool, 192, 1, 1, 1)
	x = Concatenate([]*Node{branch1x1, branch7x7, branch7x7Dbl, branchPool}, channelsAxis)

	// Mixed convolutions 5 & 6: 768 channels, 160-channels factorized branches.
	for range 2 {
		branch1x1 = conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 1, 1, 1)

		branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, x, 160, 1, 1, 1)
		branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7, 160, 1, 7, 1)
		branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7, 192, 7, 1, 1)

		branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, x, 160, 1, 1, 1)
		branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 160, 7, 1, 1)
		branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 160, 1, 7, 1)
		branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 160, 7, 1, 1)
		branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 192, 1, 7, 1)

		branchPool = MeanPool(x).ChannelsAxis(cfg.channelsConfig).Window(3).Strides(1).PadSame().Done()
		branchPool = conv3DWithBatchNorm(cfg, ctx, kw, branchPool, 192, 1, 1, 1)
		x = Concatenate([]*Node{branch1x1, branch7x7, branch7x7Dbl, branchPool}, channelsAxis)
	}

	// Mixed convolutions 7: 768 channels, 192-channels factorized branches.
	branch1x1 = conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 1, 1, 1)

	branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 1, 1, 1)
	branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7, 192, 1, 7, 1)
	branch7x7 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7, 192, 7, 1, 1)

	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 1, 1, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 192, 7, 1, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 192, 1, 7, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 192, 7, 1, 1)
	branch7x7Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7Dbl, 192, 1, 7, 1)

	branchPool = MeanPool(x).ChannelsAxis(cfg.channelsConfig).Window(3).Strides(1).PadSame().Done()
	branchPool = conv3DWithBatchNorm(cfg, ctx, kw, branchPool, 192, 1, 1, 1)
	x = Concatenate([]*Node{branch1x1, branch7x7, branch7x7Dbl, branchPool}, channelsAxis)

	// Mixed convolutions 8: 1280 channels, downsampling with stride stage 4.
	branch3x3 = conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 1, 1, 1)
	branch3x3 = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3, 320, 3, 3, 3, strides[4][:]...)

	branch7x7x3 := conv3DWithBatchNorm(cfg, ctx, kw, x, 192, 1, 1, 1)
	branch7x7x3 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7x3, 192, 1, 7, 1)
	branch7x7x3 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7x3, 192, 7, 1, 1)
	branch7x7x3 = conv3DWithBatchNorm(cfg, ctx, kw, branch7x7x3, 192, 3, 3, 3, strides[4][:]...)

	branchPool = MaxPool(x).ChannelsAxis(cfg.channelsConfig).
		WindowPerAxis(poolWindow(strides[4])...).StridePerAxis(strides[4][:]...).
		PadSame().Done()
	x = Concatenate([]*Node{branch3x3, branch7x7x3, branchPool}, channelsAxis)

	// Mixed convolutions 9 & 10: 2048 channels.
	for range 2 {
		branch1x1 = conv3DWithBatchNorm(cfg, ctx, kw, x, 320, 1, 1, 1)

		branch3x3 = conv3DWithBatchNorm(cfg, ctx, kw, x, 384, 1, 1, 1)
		branch3x3Branch1 := conv3DWithBatchNorm(cfg, ctx, kw, branch3x3, 384, 1, 3, 1)
		branch3x3Branch2 := conv3DWithBatchNorm(cfg, ctx, kw, branch3x3, 384, 3, 1, 1)
		branch3x3 = Concatenate([]*Node{branch3x3Branch1, branch3x3Branch2}, channelsAxis)

		branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, x, 448, 1, 1, 1)
		branch3x3Dbl = conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 384, 3, 3, 3)
		branch3x3DblBranch1 := conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 384, 1, 3, 1)
		branch3x3DblBranch2 := conv3DWithBatchNorm(cfg, ctx, kw, branch3x3Dbl, 384, 3, 1, 1)
		branch3x3Dbl = Concatenate([]*Node{branch3x3DblBranch1, branch3x3DblBranch2}, channelsAxis)

		branchPool = MeanPool(x).ChannelsAxis(cfg.channelsConfig).Window(3).Strides(1).PadSame().Done()
		branchPool = conv3DWithBatchNorm(cfg, ctx, kw, branchPool, 192, 1, 1, 1)
		x = Concatenate([]*Node{branch1x1, branch3x3, branch3x3Dbl, branchPool}, channelsAxis)
	}

	return x
}

// conv3DWithBatchNorm adds a bias-free 3D convolution with SAME padding, followed by
// batch normalization (without scaling) and a ReLU activation. If kw is configured with
// an unpacked weights directory, the convolution kernel and the normalization moving
// statistics are read from it.
//
// strides, when given, must hold one value per spatial axis.
func conv3DWithBatchNorm(cfg *Config, ctx *context.Context, kw *kerasWeights, x *Node,
	channels, kernelDepth, kernelHeight, kernelWidth int, strides ...int) *Node {
	// 3D convolution:
	ctxConv := kw.ReadNextConv3D(ctx)
	convIdx := kw.conv3dCount - 1
	conv := layers.Convolution(ctxConv, x).CurrentScope().ChannelsAxis(cfg.channelsConfig).
		Channels(channels).KernelSizePerAxis(kernelDepth, kernelHeight, kernelWidth).
		UseBias(false).PadSame()
	if len(strides) > 0 {
		conv = conv.StridePerAxis(strides...)
	}
	x = conv.Done()

	// Batch normalization:
	ctxNorm := kw.ReadNextBatchNormalization(ctx)
	featureAxis := images.GetChannelsAxis(x, cfg.channelsConfig)
	x = batchnorm.New(ctxNorm, x, featureAxis).CurrentScope().Scale(false).
		Trainable(cfg.trainable).FrozenAverages(!cfg.trainable).Done()

	// Activation:
	x = activations.Relu(x)
	if cfg.withAliases {
		x = x.WithAlias(fmt.Sprintf("conv_%03d/output", convIdx))
	}
	return x
}
