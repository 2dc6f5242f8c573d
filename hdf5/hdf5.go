// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 provides a minimal API to read HDF5 files, enough to unpack the weights
// of models converted from Keras (usually saved with an ".h5" extension) into GoMLX
// tensors.
//
// It shells out to the `h5dump` binary (from the `hdf5-tools` package on most Linux
// distributions) instead of linking the HDF5 C library, so it works without CGo. It can
// list the datasets of a file, convert individual datasets to tensors and unpack a
// whole file into a directory tree with one GoMLX tensor file per dataset.
package hdf5

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Contents maps every dataset present in an HDF5 file, keyed by the concatenation of
// its "group" path (how HDF5 calls directories) and the dataset name, separated by "/".
type Contents map[string]*Dataset

// Dataset holds the metadata of one HDF5 dataset, but not its data: the "DATATYPE" and
// "DATASPACE" fields are translated to the equivalent shapes.Shape. Datasets with types
// or spaces that have no tensor equivalent keep an invalid (zero) Shape.
type Dataset struct {
	// FilePath of the HDF5 file the dataset was parsed from.
	FilePath string

	// GroupPath of the dataset inside the HDF5 file, its key in Contents.
	GroupPath string

	// RawHeader as printed by `h5dump --header`, kept for debugging.
	RawHeader string

	// DType translated from the dataset "DATATYPE", or dtypes.InvalidDType.
	DType dtypes.DType

	// Shape translated from the dataset "DATATYPE" and "DATASPACE". Check Shape.Ok.
	Shape shapes.Shape
}

// H5DumpBinary is the name of the binary used to access HDF5 files. It must be
// installed and found in the PATH.
const H5DumpBinary = "h5dump"

var (
	reDatasetList = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	reHeaderName  = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	reHeaderType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	reHeaderSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// ParseFile lists the datasets of the HDF5 file in filePath and parses their headers.
// The data itself is not read; see Dataset.ToTensor and UnpackToTensors for that.
//
// It fails if the file doesn't exist or if `h5dump` is not installed.
func ParseFile(filePath string) (contents Contents, err error) {
	if _, err = os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file in path %q", filePath)
	}

	// First pass lists the dataset names.
	listing, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	matches := reDatasetList.FindAllStringSubmatch(string(listing), -1)
	contents = make(Contents, len(matches))
	for _, match := range matches {
		groupPath := match[1]
		if strings.HasPrefix(groupPath, "-") {
			// A leading "-" would be parsed as a flag when handed back to h5dump.
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", groupPath)
		}
		contents[groupPath] = &Dataset{
			FilePath:  filePath,
			GroupPath: groupPath,
		}
	}

	// Second pass reads all dataset headers in one h5dump execution.
	args := make([]string, 0, len(contents)+2)
	args = append(args, "--header")
	for key := range contents {
		args = append(args, "--dataset="+key)
	}
	args = append(args, filePath)
	headers, err := execH5Dump(args...)
	if err != nil {
		return nil, err
	}
	rawHeaders := strings.Split(string(headers), "DATASET")
	if len(rawHeaders)-1 != len(contents) {
		return nil, errors.Errorf("failed to parse dataset headers for %q: expected %d DATASET entries, got %d",
			filePath, len(contents), len(rawHeaders)-1)
	}
	for _, rawHeader := range rawHeaders[1:] {
		if err = parseDatasetHeader(contents, rawHeader); err != nil {
			return nil, errors.WithMessagef(err, "failed to parse dataset headers for %q", filePath)
		}
	}
	return
}

// parseDatasetHeader fills in the metadata of the dataset described by one "DATASET"
// section of the `h5dump --header` output. Unsupported data types or spaces are not an
// error, they leave the dataset with an invalid Shape.
func parseDatasetHeader(contents Contents, rawHeader string) error {
	matches := reHeaderName.FindStringSubmatch(rawHeader)
	if len(matches) != 2 {
		return errors.Errorf("no dataset name in header %q", rawHeader)
	}
	ds, found := contents[matches[1]]
	if !found {
		return errors.Errorf("header for unlisted dataset %q", matches[1])
	}
	ds.RawHeader = "DATASET" + rawHeader

	matches = reHeaderType.FindStringSubmatch(rawHeader)
	if len(matches) != 2 {
		return nil
	}
	ds.DType = DTypeForH5T(matches[1])
	if ds.DType == dtypes.InvalidDType {
		return nil
	}

	matches = reHeaderSpace.FindStringSubmatch(rawHeader)
	if len(matches) != 4 {
		klog.V(1).Infof("hdf5: DATASPACE not parsed for dataset %q", ds.GroupPath)
		return nil
	}
	switch matches[1] {
	case "SCALAR":
		ds.Shape = shapes.Make(ds.DType)
	case "SIMPLE":
		dimsParts := strings.Split(matches[3], ",")
		dims := make([]int, 0, len(dimsParts))
		for _, dimStr := range dimsParts {
			dim, numErr := strconv.Atoi(strings.TrimSpace(dimStr))
			if numErr != nil {
				klog.V(1).Infof("hdf5: failed to parse dimension %q of dataset %q", dimStr, ds.GroupPath)
				return nil
			}
			dims = append(dims, dim)
		}
		ds.Shape = shapes.Make(ds.DType, dims...)
	default:
		klog.V(1).Infof("hdf5: unknown DATASPACE type %q for dataset %q", matches[1], ds.GroupPath)
	}
	return nil
}

// DTypeForH5T returns the DType corresponding to known HDF5 data types, or
// dtypes.InvalidDType if the type is not supported.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F16LE", "H5T_IEEE_F16BE":
		return dtypes.Float16
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

// execH5Dump executes `h5dump` with the given arguments and returns its stdout.
func execH5Dump(args ...string) (output []byte, err error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in the PATH, needed to parse HDF5 files "+
			"(extension \".h5\") -- it is usually provided by the hdf5-tools package", H5DumpBinary)
	}
	klog.V(2).Infof("hdf5: using %s from %q", H5DumpBinary, binPath)
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err = cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderr.String())
	}
	return stdout.Bytes(), nil
}

// Load reads the raw binary content of the dataset, in native layout.
func (ds *Dataset) Load() (rawContent []byte, err error) {
	// h5dump only writes binary output to a file.
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if newErr := os.Remove(tmpFile.Name()); newErr != nil {
			klog.Warningf("hdf5: failed to remove temporary file %q used to extract dataset: %+v",
				tmpFile.Name(), newErr)
		}
	}()
	_, err = execH5Dump("--dataset="+ds.GroupPath, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if err != nil {
		return nil, err
	}
	rawContent, err = os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read temporary file %q with extracted HDF5 dataset", tmpFile.Name())
	}
	return
}

// ToTensor reads the dataset into a GoMLX tensors.Tensor.
func (ds *Dataset) ToTensor() (tensor *tensors.Tensor, err error) {
	if !ds.Shape.Ok() {
		return nil, errors.Errorf("no shape information for HDF5 dataset %q, cannot convert to tensor", ds.GroupPath)
	}
	rawContent, err := ds.Load()
	if err != nil {
		return nil, err
	}
	tensor = tensors.FromShape(ds.Shape)
	accessErr := tensor.MutableBytes(func(data []byte) {
		if len(rawContent) != len(data) {
			err = errors.Errorf("HDF5 dataset %q has %d bytes, but tensor shaped %s uses %d bytes",
				ds.GroupPath, len(rawContent), ds.Shape, len(data))
			return
		}
		copy(data, rawContent)
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if err != nil {
		return nil, err
	}
	return tensor, nil
}

// UnpackToTensorsConfig holds the configuration created by UnpackToTensors. Once done
// configuring, call Done.
type UnpackToTensorsConfig struct {
	h5Path, targetDir string
	showProgressBar   bool
	dirPermissions    os.FileMode
	keepTemporary     bool
}

// UnpackToTensors unpacks all datasets of an HDF5 file into one GoMLX tensor file per
// dataset, in subdirectories under targetDir mimicking the group structure inside the
// HDF5 file. The targetDir must not exist yet: a previously unpacked directory is taken
// as valid, so unpacking is naturally idempotent.
//
// Tensors are serialized with tensors.Tensor.Save and can be read back with
// tensors.Load.
//
// It returns a configuration object; call Done on it to do the unpacking:
//
//	err := hdf5.UnpackToTensors("/my/target/dir", "weights.h5").ProgressBar().Done()
func UnpackToTensors(targetDir, h5Path string) *UnpackToTensorsConfig {
	return &UnpackToTensorsConfig{
		h5Path:         h5Path,
		targetDir:      targetDir,
		dirPermissions: 0755,
	}
}

// ProgressBar displays a progress bar during the unpacking.
//
// It returns the configuration object, so configuring calls can be cascaded.
func (c *UnpackToTensorsConfig) ProgressBar() *UnpackToTensorsConfig {
	c.showProgressBar = true
	return c
}

// FilePermissions configures the permissions used to create directories and files.
// Defaults to 0755.
//
// It returns the configuration object, so configuring calls can be cascaded.
func (c *UnpackToTensorsConfig) FilePermissions(perm os.FileMode) *UnpackToTensorsConfig {
	c.dirPermissions = perm
	return c
}

// KeepTemporary keeps the temporary directory with the partially unpacked files when
// the unpacking fails. The default is to remove it.
//
// It returns the configuration object, so configuring calls can be cascaded.
func (c *UnpackToTensorsConfig) KeepTemporary() *UnpackToTensorsConfig {
	c.keepTemporary = true
	return c
}

// Done unpacks according to the configuration, see UnpackToTensors.
//
// Datasets are unpacked into a temporary sibling directory first, which is renamed to
// the target directory at the very end, so a partially unpacked directory is never
// taken for a complete one.
func (c *UnpackToTensorsConfig) Done() (err error) {
	if fsutil.MustFileExists(c.targetDir) {
		return errors.Errorf("target directory %q already exists -- remove it or move it away first?", c.targetDir)
	}

	h5, err := ParseFile(c.h5Path)
	if err != nil {
		return err
	}

	// All work happens under a temporary directory next to the target.
	baseDir := path.Dir(c.targetDir)
	if err = os.MkdirAll(baseDir, c.dirPermissions); err != nil {
		return errors.Wrapf(err, "cannot create base directory %q where to unpack the HDF5 file", baseDir)
	}
	tmpDir, err := os.MkdirTemp(baseDir, path.Base(c.targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "cannot create temporary directory under %q to unpack the HDF5 file", baseDir)
	}
	defer func() {
		if tmpDir == "" || c.keepTemporary {
			return
		}
		if newErr := os.RemoveAll(tmpDir); newErr != nil {
			klog.Errorf("hdf5: UnpackToTensors(%q, %q): error cleaning up temporary directory %q: %v",
				c.targetDir, c.h5Path, tmpDir, newErr)
		}
	}()

	var bar *progressbar.ProgressBar
	if c.showProgressBar {
		var totalSize uintptr
		for _, ds := range h5 {
			if ds.Shape.Ok() {
				totalSize += ds.Shape.Memory()
			}
		}
		bar = progressbar.DefaultBytesSilent(int64(totalSize), "")
		defer func() { _ = bar.Finish() }()
	}

	// Unpack the datasets in a stable order, so interrupted runs fail the same way.
	for _, key := range slices.Sorted(maps.Keys(h5)) {
		ds := h5[key]
		if !ds.Shape.Ok() {
			klog.Infof("hdf5: UnpackToTensors(%q, %q): skipping dataset %q not parseable as a tensor",
				c.targetDir, c.h5Path, key)
			continue
		}
		tensor, newErr := ds.ToTensor()
		if newErr != nil {
			return newErr
		}

		dsPath := path.Join(tmpDir, key)
		if err = os.MkdirAll(path.Dir(dsPath), c.dirPermissions); err != nil {
			return errors.Wrapf(err, "UnpackToTensors(%q, %q): cannot create sub-directory for dataset %q",
				c.targetDir, c.h5Path, key)
		}
		if err = tensor.Save(dsPath); err != nil {
			return errors.WithMessagef(err, "UnpackToTensors(%q, %q)", c.targetDir, c.h5Path)
		}

		if bar != nil {
			_ = bar.Add64(int64(ds.Shape.Memory()))
			fmt.Printf("\r%s", bar.String())
		}
	}

	// Rename the temporary directory to the target directory.
	if err = os.Rename(tmpDir, c.targetDir); err != nil {
		return errors.Wrapf(err, "UnpackToTensors(%q, %q): failed to rename temporary dir %q with the unpacked tensors to the target",
			c.targetDir, c.h5Path, tmpDir)
	}
	tmpDir = "" // Signals the deferred clean up there is nothing to do.
	return nil
}
