// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// inceptionv3demo runs a forward pass of the volumetric InceptionV3 model on a
// synthetic volume and prints the resulting shapes.
//
// Without --weights the model uses randomly initialized variables, which is enough to
// inspect shapes, layer aliases and execution times. Point --weights at a directory
// previously populated with inceptionv3.DownloadAndUnpackWeights to run with
// pre-trained values.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/models3d/inceptionv3"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBatch    = flag.Int("batch", 1, "Batch size of the synthetic input volume.")
	flagSize     = flag.Int("size", inceptionv3.MinimumVolumeSize, "Edge size of the synthetic input volume, used for all 3 spatial axes.")
	flagChannels = flag.Int("channels", 3, "Number of channels of the synthetic input volume.")
	flagClasses  = flag.Int("classes", inceptionv3.DefaultNumClasses, "Number of classes of the classification top.")
	flagTop      = flag.Bool("top", true, "Include the classification top. If false the model outputs an embedding, see --pooling.")
	flagPooling  = flag.String("pooling", "mean", "Pooling of the last feature layer when --top=false: \"none\", \"max\" or \"mean\".")
	flagStride   = flag.Int("stride", inceptionv3.DefaultStride, "Stride of the 5 downsampling stages, applied to every spatial axis.")
	flagWeights  = flag.String("weights", "", "Directory with weights unpacked by inceptionv3.DownloadAndUnpackWeights. "+
		"If empty the model is randomly initialized.")
	flagDownload = flag.String("download", "", "URL of a Keras \".h5\" file with converted volumetric weights, downloaded and "+
		"unpacked into --weights before building the model.")
	flagChecksum = flag.String("checksum", "", "SHA256 checksum of the --download file. If empty the download is not verified.")
	flagRepeats  = flag.Int("repeats", 1, "Number of extra executions, to measure the run time after the graph is compiled.")
)

var backend = backends.MustNew()

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](run)
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// poolingFromFlag translates --pooling. It panics on unknown values.
func poolingFromFlag() inceptionv3.PoolingType {
	switch *flagPooling {
	case "none":
		return inceptionv3.NoPooling
	case "max":
		return inceptionv3.MaxPooling
	case "mean":
		return inceptionv3.MeanPooling
	}
	exceptions.Panicf("invalid --pooling=%q, valid values are \"none\", \"max\" or \"mean\"", *flagPooling)
	return inceptionv3.NoPooling
}

// modelGraph generates a random input volume and applies the model to it. It returns
// the model output, and for classification also the top class and its probability.
func modelGraph(ctx *context.Context, g *Graph) []*Node {
	volume := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, *flagBatch, *flagSize, *flagSize, *flagSize, *flagChannels))
	volume = inceptionv3.PreprocessVolume(volume, 0, images.ChannelsLast)
	cfg := inceptionv3.BuildGraph(ctx.In("model"), volume).
		ClassificationTop(*flagTop).
		Classes(*flagClasses).
		SetPooling(poolingFromFlag()).
		Strides(*flagStride)
	if *flagWeights != "" {
		cfg.PreTrained(*flagWeights)
	}
	output := cfg.Done()
	if !*flagTop {
		return []*Node{output}
	}
	return []*Node{output, ArgMax(output, -1, dtypes.Int32), ReduceMax(output, -1)}
}

func run() {
	if *flagDownload != "" {
		if *flagWeights == "" {
			exceptions.Panicf("--download requires --weights to point at the directory to download into")
		}
		must.M(inceptionv3.DownloadAndUnpackWeights(*flagWeights, *flagDownload, *flagChecksum))
	}

	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	fmt.Printf("Input: [%d, %d, %d, %d, %d]\n", *flagBatch, *flagSize, *flagSize, *flagSize, *flagChannels)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, modelGraph)
	start := time.Now()
	outputs := exec.MustExec()
	fmt.Printf("Output: %s (compile + first run in %s)\n", outputs[0].Shape(), time.Since(start))

	if *flagTop {
		classes := outputs[1].Value().([]int32)
		probabilities := outputs[2].Value().([]float32)
		for ii, class := range classes {
			fmt.Printf("\t#%d: class %d, probability %.4f\n", ii, class, probabilities[ii])
		}
	}

	for range *flagRepeats {
		start = time.Now()
		outputs = exec.MustExec()
		fmt.Printf("Re-run in %s\n", time.Since(start))
	}
}
