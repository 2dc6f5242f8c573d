// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inceptionv3

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestScaleVolumeValues(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ScaleVolumeValuesKeras", func(g *Graph) (inputs, outputs []*Node) {
		values := Const(g, []float32{0, 127.5, 255})
		inputs = []*Node{values}
		outputs = []*Node{ScaleVolumeValuesKeras(values, 255)}
		return
	}, []any{
		[]float32{-1, 0, 1},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "ScaleVolumeValuesTorch", func(g *Graph) (inputs, outputs []*Node) {
		values := Const(g, []float32{0, 255})
		inputs = []*Node{values}
		outputs = []*Node{ScaleVolumeValuesTorch(values, 255)}
		return
	}, []any{
		[]float32{-0.485 / 0.229, (1 - 0.485) / 0.229},
	}, 1e-4)

	// The scaling is affine, so applying it with inverted parameters recovers the
	// original values.
	graphtest.RunTestGraphFn(t, "ScaleVolumeValuesKeras inverted", func(g *Graph) (inputs, outputs []*Node) {
		values := Const(g, []float32{0, 31.875, 255})
		inputs = []*Node{values}
		scaled := ScaleVolumeValuesKeras(values, 255)
		outputs = []*Node{MulScalar(AddScalar(scaled, 1), 255.0/2.0)}
		return
	}, []any{
		[]float32{0, 31.875, 255},
	}, 1e-4)
}

func TestPreprocessVolume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(g *Graph) []*Node {
		// The alpha channel is dropped, for either layout.
		withAlpha := IotaFull(g, shapes.Make(dtypes.Float32, 1, 75, 75, 75, 4))
		noAlpha := PreprocessVolume(withAlpha, 0, images.ChannelsLast)
		require.Equal(t, []int{1, 75, 75, 75, 3}, noAlpha.Shape().Dimensions)

		withAlphaFirst := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 75, 75, 75))
		noAlphaFirst := PreprocessVolume(withAlphaFirst, 0, images.ChannelsFirst)
		require.Equal(t, []int{1, 3, 75, 75, 75}, noAlphaFirst.Shape().Dimensions)

		// Volumes smaller than the minimum size are up-sampled preserving the aspect
		// ratio: the smallest axis reaches the minimum, the others scale along.
		small := IotaFull(g, shapes.Make(dtypes.Float32, 1, 60, 75, 75, 3))
		upSampled := PreprocessVolume(small, 0, images.ChannelsLast)
		require.Equal(t, []int{1, 75, 94, 94, 3}, upSampled.Shape().Dimensions)

		// Large enough volumes without alpha channel or rescaling pass through.
		ready := IotaFull(g, shapes.Make(dtypes.Float32, 1, 75, 80, 90, 3))
		require.True(t, PreprocessVolume(ready, 0, images.ChannelsLast) == ready)

		// Inputs without a batch axis are left alone.
		noBatch := IotaFull(g, shapes.Make(dtypes.Float32, 75, 75, 75, 3))
		require.True(t, PreprocessVolume(noBatch, 255, images.ChannelsLast) == noBatch)

		return []*Node{ReduceAllSum(noAlpha), ReduceAllSum(noAlphaFirst), ReduceAllSum(upSampled)}
	})
	_ = exec.MustExec()
}
