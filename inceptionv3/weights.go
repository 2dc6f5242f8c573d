// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inceptionv3

import (
	"fmt"
	"path"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// kerasWeights manages the retrieval of weights converted from Keras.
//
// It understands and translates the naming used by Keras and maps it to the
// corresponding unpacked tensor files. It requires the layers to be "read" in the exact
// same order as they are created by Keras, which is how inceptionGraph builds them.
//
// A zero baseDir disables reading: the scope naming is still applied, so a model built
// with random weights has the same variable layout as a pre-trained one.
//
// See ReadNextConv3D, ReadNextBatchNormalization and ReadPredictions.
type kerasWeights struct {
	baseDir                     string
	conv3dCount, batchNormCount int
}

// loadTensorToVariable loads the tensor from the file named tensorFileName under the
// unpacking directory into a variable named variableName in the ctx scope.
//
// It panics with a wrapped IO error if the tensor file cannot be read.
func (kw *kerasWeights) loadTensorToVariable(ctx *context.Context, tensorFileName, variableName string) {
	if ctx.InspectVariable(ctx.Scope(), variableName) != nil {
		// Already loaded: the model is being applied to a second input.
		return
	}
	tensorPath := path.Join(kw.baseDir, UnpackedWeightsName, tensorFileName)
	local, err := tensors.Load(tensorPath)
	if err != nil {
		panic(errors.WithMessagef(err, "inceptionv3: failed to read pre-trained weights from %q", tensorPath))
	}
	_ = ctx.VariableWithValue(variableName, local)
}

// ReadNextConv3D enters the scope of the next convolution, named in creation order like
// Keras ("conv3d", "conv3d_1", ...), and when configured with an unpacked weights
// directory loads the pre-trained kernel into it.
//
// It returns the context in the new scope, to be used with layers.Convolution.
func (kw *kerasWeights) ReadNextConv3D(ctx *context.Context) (ctxInScope *context.Context) {
	if kw.conv3dCount == 0 {
		ctxInScope = ctx.In("conv3d")
	} else {
		ctxInScope = ctx.In(fmt.Sprintf("conv3d_%d", kw.conv3dCount))
	}
	kw.conv3dCount++
	if kw.baseDir == "" {
		return
	}

	// The ".h5" group names start counting from 1 instead of 0.
	h5Name := fmt.Sprintf("conv3d_%d/conv3d_%d/kernel:0", kw.conv3dCount, kw.conv3dCount)
	kw.loadTensorToVariable(ctxInScope, h5Name, "weights")

	// The kernel variable is set already, mark the context for reuse.
	ctxInScope = ctxInScope.Reuse()
	return
}

// ReadNextBatchNormalization enters the scope of the next batch normalization, named in
// creation order like Keras ("batch_normalization", "batch_normalization_1", ...), and
// when configured with an unpacked weights directory loads the pre-trained offset and
// moving statistics into it.
//
// It returns the context in the new scope, to be used with batchnorm.New.
func (kw *kerasWeights) ReadNextBatchNormalization(ctx *context.Context) (ctxInScope *context.Context) {
	if kw.batchNormCount == 0 {
		ctxInScope = ctx.In("batch_normalization")
	} else {
		ctxInScope = ctx.In(fmt.Sprintf("batch_normalization_%d", kw.batchNormCount))
	}
	kw.batchNormCount++
	if kw.baseDir == "" {
		return
	}

	// The ".h5" group names start counting from 1 instead of 0.
	h5Group := fmt.Sprintf("batch_normalization_%d/batch_normalization_%d/", kw.batchNormCount, kw.batchNormCount)
	kw.loadTensorToVariable(ctxInScope, h5Group+"moving_mean:0", "mean")
	kw.loadTensorToVariable(ctxInScope, h5Group+"moving_variance:0", "variance")
	kw.loadTensorToVariable(ctxInScope, h5Group+"beta:0", "offset")

	// The context gets mixed usage: the variables above are reused by the layer, while
	// others (like the average updates book-keeping) are created.
	ctxInScope = ctxInScope.Checked(false)
	return
}

// ReadPredictions enters the scope of the dense classification layer, named
// "predictions" like in Keras, and when configured with an unpacked weights directory
// loads its kernel and bias.
//
// It returns the context in the new scope, to be used with layers.DenseWithBias.
func (kw *kerasWeights) ReadPredictions(ctx *context.Context) (ctxInScope *context.Context) {
	ctxInScope = ctx.In("predictions")
	if kw.baseDir == "" {
		return
	}

	// The dense layer creates its variables under a "dense" sub-scope of its own.
	ctxDense := ctxInScope.In("dense")
	kw.loadTensorToVariable(ctxDense, "predictions/predictions/kernel:0", "weights")
	kw.loadTensorToVariable(ctxDense, "predictions/predictions/bias:0", "biases")
	ctxInScope = ctxInScope.Reuse()
	return
}
