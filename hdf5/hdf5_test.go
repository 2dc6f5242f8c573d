// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hdf5

import (
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTypeForH5T(t *testing.T) {
	testCases := []struct {
		h5Type string
		want   dtypes.DType
	}{
		{"H5T_IEEE_F16LE", dtypes.Float16},
		{"H5T_IEEE_F32LE", dtypes.Float32},
		{"H5T_IEEE_F32BE", dtypes.Float32},
		{"H5T_IEEE_F64LE", dtypes.Float64},
		{"H5T_STD_I32LE", dtypes.Int32},
		{"H5T_STD_I64BE", dtypes.Int64},
		{"H5T_STRING", dtypes.InvalidDType},
		{"H5T_COMPOUND", dtypes.InvalidDType},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.want, DTypeForH5T(testCase.h5Type), "DTypeForH5T(%q)", testCase.h5Type)
	}
}

// datasetHeader mimics one "DATASET" section of `h5dump --header` output, as it looks
// after splitting the output on the "DATASET" keyword.
func datasetHeader(name, dataType, dataSpace string) string {
	return " \"" + name + "\" {\n" +
		"   DATATYPE  " + dataType + "\n" +
		"   DATASPACE  " + dataSpace + "\n" +
		"}\n}\n"
}

func TestParseDatasetHeader(t *testing.T) {
	kernelPath := "/model_weights/conv3d/conv3d/kernel:0"
	contents := Contents{
		kernelPath: &Dataset{GroupPath: kernelPath},
		"/scalar":  &Dataset{GroupPath: "/scalar"},
		"/strings": &Dataset{GroupPath: "/strings"},
	}

	require.NoError(t, parseDatasetHeader(contents,
		datasetHeader(kernelPath, "H5T_IEEE_F32LE", "SIMPLE { ( 3, 3, 3, 3, 32 ) / ( 3, 3, 3, 3, 32 ) }")))
	kernel := contents[kernelPath]
	assert.Equal(t, dtypes.Float32, kernel.DType)
	require.True(t, kernel.Shape.Equal(shapes.Make(dtypes.Float32, 3, 3, 3, 3, 32)),
		"parsed shape %s", kernel.Shape)
	assert.Contains(t, kernel.RawHeader, "DATASET")

	require.NoError(t, parseDatasetHeader(contents,
		datasetHeader("/scalar", "H5T_STD_I64LE", "SCALAR")))
	require.True(t, contents["/scalar"].Shape.Equal(shapes.Make(dtypes.Int64)))

	// Unsupported data types are not an error, they are simply not convertible.
	require.NoError(t, parseDatasetHeader(contents,
		datasetHeader("/strings", "H5T_STRING", "SIMPLE { ( 4 ) / ( 4 ) }")))
	assert.Equal(t, dtypes.InvalidDType, contents["/strings"].DType)
	assert.False(t, contents["/strings"].Shape.Ok())

	// A header for a dataset missing from the listing is an error.
	require.Error(t, parseDatasetHeader(contents,
		datasetHeader("/unlisted", "H5T_IEEE_F32LE", "SCALAR")))
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(path.Join(t.TempDir(), "missing.h5"))
	require.ErrorContains(t, err, "cannot access HDF5 file")
}

func TestUnpackToTensorsTargetExists(t *testing.T) {
	targetDir := t.TempDir()
	err := UnpackToTensors(targetDir, "irrelevant.h5").Done()
	require.ErrorContains(t, err, "already exists")
}
