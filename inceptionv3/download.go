// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inceptionv3

import (
	"fmt"
	"path"

	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/models3d/hdf5"
)

const (
	// WeightsH5Name is the name of the local ".h5" file with the downloaded weights.
	WeightsH5Name = "weights.h5"

	// UnpackedWeightsName is the name of the subdirectory under the base directory that
	// holds the unpacked weights, one GoMLX tensor file per layer tensor. It is where
	// Config.PreTrained reads from.
	UnpackedWeightsName = "gomlx_weights"
)

// DownloadAndUnpackWeights downloads a Keras ".h5" weights file for the volumetric
// model from weightsURL into baseDir, verifies its SHA256 checksum and unpacks it into
// one tensor file per layer under the UnpackedWeightsName subdirectory, the layout
// consumed by Config.PreTrained.
//
// There is no official volumetric InceptionV3 weights archive, hence no default URL:
// weights are typically converted from the 2D ImageNet ones (with the kernels inflated
// along the third spatial axis) and hosted wherever convenient. An empty sha256Checksum
// skips the verification.
//
// It only does the work if the files are not there yet. It is verbose and uses a
// progress bar when downloading or unpacking, and quiet if there is nothing to do.
func DownloadAndUnpackWeights(baseDir, weightsURL, sha256Checksum string) (err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	unpackedWeightsPath := path.Join(baseDir, UnpackedWeightsName)
	if fsutil.MustFileExists(unpackedWeightsPath) {
		// Weights already unpacked, done.
		return
	}

	weightsH5Path := path.Join(baseDir, WeightsH5Name)
	err = downloader.DownloadIfMissing(weightsURL, weightsH5Path, sha256Checksum)
	if err != nil {
		return err
	}

	fmt.Printf("Unpacking weights to %s:\n", unpackedWeightsPath)
	err = hdf5.UnpackToTensors(unpackedWeightsPath, weightsH5Path).ProgressBar().Done()
	return
}

// PathToTensor returns the path of the unpacked tensor file for tensorName (the name
// within the ".h5" file), under the same baseDir given to DownloadAndUnpackWeights.
func PathToTensor(baseDir, tensorName string) string {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	return path.Join(baseDir, UnpackedWeightsName, tensorName)
}
