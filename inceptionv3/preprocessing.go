// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inceptionv3

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
)

// PreprocessVolume converts a batch of volumes to the format consumed by the model.
//
// It performs 3 tasks:
//
//   - It removes the alpha channel, in case one is provided.
//   - It scales the values from `[0, maxValue]` to the `[-1, 1]` range the pre-trained
//     weights were trained with, see ScaleVolumeValuesKeras. Set `maxValue=0` to skip
//     this step, in which case values are expected to be in `[-1, 1]` already. When
//     training from scratch skipping usually works better, because of the batch
//     normalization layers.
//   - The minimum volume size accepted with the default stride schedule is
//     MinimumVolumeSize on every spatial axis. Any smaller axis is up-sampled with a
//     trilinear interpolation, preserving the aspect ratio.
//
// The input volume must have a batch dimension (rank 5) and either 1, 3 or 4 channels.
func PreprocessVolume(volume *Node, maxValue float64, channelsConfig images.ChannelsAxisConfig) *Node {
	if volume.Rank() != 5 {
		return volume
	}

	// Remove alpha-channel, if given.
	shape := volume.Shape()
	channelsAxis := images.GetChannelsAxis(volume, channelsConfig)
	if shape.Dimensions[channelsAxis] == 4 {
		axesRanges := make([]SliceAxisSpec, volume.Rank())
		for ii := range axesRanges {
			if ii == channelsAxis {
				axesRanges[ii] = AxisRange(0, 3)
			} else {
				axesRanges[ii] = AxisRange()
			}
		}
		volume = Slice(volume, axesRanges...)
	}

	if maxValue > 0 {
		volume = ScaleVolumeValuesKeras(volume, maxValue)
	}

	// Up-sample spatial axes below the minimum size.
	spatialAxes := images.GetSpatialAxes(volume, channelsConfig)
	upScale := 1.0
	for _, axis := range spatialAxes {
		ratio := float64(MinimumVolumeSize) / float64(shape.Dimensions[axis])
		if ratio > upScale {
			upScale = ratio
		}
	}
	if upScale > 1.0 {
		newShape := volume.Shape().Clone()
		for _, axis := range spatialAxes {
			newSize := int(math.Round(float64(shape.Dimensions[axis]) * upScale))
			if newSize < MinimumVolumeSize {
				newSize = MinimumVolumeSize
			}
			newShape.Dimensions[axis] = newSize
		}
		volume = Interpolate(volume, newShape.Dimensions...).Done()
	}

	return volume
}

// ScaleVolumeValuesKeras scales the volume values to the `[-1, 1]` range, assuming they
// are provided in `[0, maxValue]`: the fixed affine transform `x*2/maxValue - 1` used
// by the Keras preprocessing of the original model.
//
// It doesn't work well in transfer learning: if not using the pre-trained weights, it
// seems to conflict with batch normalization.
func ScaleVolumeValuesKeras(volume *Node, maxValue float64) *Node {
	volume = MulScalar(volume, 2.0/maxValue)
	volume = AddScalar(volume, -1.0)
	return volume
}

// ScaleVolumeValuesTorch scales the volume values the way the PyTorch InceptionV3
// training pipeline does, assuming they are provided in `[0, maxValue]`: normalized
// with the ImageNet mean and standard deviation, averaged over channels.
//
// It seems to work better than ScaleVolumeValuesKeras in most transfer-learning cases.
func ScaleVolumeValuesTorch(volume *Node, maxValue float64) *Node {
	volume = AddScalar(MulScalar(volume, 1.0/maxValue), -0.485)
	volume = MulScalar(volume, 1.0/0.229)
	return volume
}
