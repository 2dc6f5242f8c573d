// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inceptionv3 provides a volumetric (3D) adaptation of the InceptionV3 model,
// the Keras/TensorFlow image classifier generalized to rank-5 inputs with a batch axis,
// three spatial axes and a channels axis.
//
// It is a graph-building library: it wires GoMLX layer primitives (convolutions, batch
// normalization, pooling, concatenation, dense) into the fixed InceptionV3 topology and
// returns the output node. It is useful for classification and transfer learning on
// volumetric data (CT/MRI scans, video stacks, seismic blocks) and as a frozen feature
// extractor, for instance for the Kernel Inception Distance metric (see KidMetric).
//
// Build the model with BuildGraph, configure the returned Config and call Done:
//
//	var ctx = context.New()
//
//	func MyModelGraph(ctx *context.Context, volume *Node) *Node {
//		return inceptionv3.BuildGraph(ctx, volume).
//			ClassificationTop(false).
//			SetPooling(inceptionv3.MeanPooling).
//			Done()
//	}
//
// Weights converted from a Keras ".h5" file can be loaded with Config.PreTrained, after
// unpacking them with DownloadAndUnpackWeights. Alternatively Config.Weights loads a
// GoMLX checkpoint directory saved with the checkpoints package.
package inceptionv3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// MinimumVolumeSize in each spatial axis required by the model with the default
	// stride schedule. Smaller volumes are up-sampled by PreprocessVolume.
	MinimumVolumeSize = 75

	// EmbeddingSize is the number of channels of the last feature layer, and hence the
	// size of the embedding generated with MaxPooling or MeanPooling.
	EmbeddingSize = 2048

	// DefaultNumClasses is the number of classes of the classification top, matching the
	// ImageNet-trained original. Change it with Config.Classes.
	DefaultNumClasses = 1000

	// NumDownsamplingStages is the number of points in the topology that reduce the
	// spatial resolution, and therefore the length of the stride schedule: the stem
	// convolution, the two stem poolings and the reduction blocks mixed-3 and mixed-8.
	NumDownsamplingStages = 5

	// DefaultStride applied on every axis of every downsampling stage if not changed
	// with Config.Strides, Config.StridesPerStage or Config.StrideForStage.
	DefaultStride = 2

	// WeightsImageNet is the named pre-trained weights selector accepted by
	// Config.Weights. No volumetric ImageNet checkpoint is published, so it only logs
	// a warning; it is accepted for compatibility with the 2D model configuration.
	WeightsImageNet = "imagenet"

	// AliasScope is the node alias scope under which Config.WithAliases registers the
	// intermediate outputs of the model.
	AliasScope = "inceptionV3"
)

// PoolingType used on the last feature layer when the classification top is disabled.
// See Config.SetPooling.
type PoolingType int

const (
	// NoPooling returns the full volumetric feature map, shaped
	// `[batch, depth, height, width, EmbeddingSize]` for channels-last inputs.
	NoPooling PoolingType = iota

	// MaxPooling returns the max of each feature over the spatial axes, shaped
	// `[batch, EmbeddingSize]`.
	MaxPooling

	// MeanPooling returns the mean of each feature over the spatial axes, shaped
	// `[batch, EmbeddingSize]`.
	MeanPooling
)

// Config for building the InceptionV3 model graph. Create it with BuildGraph, set the
// options and finish with Done, which returns the model output.
type Config struct {
	ctx    *context.Context
	volume *Node

	channelsConfig images.ChannelsAxisConfig
	includeTop     bool
	numClasses     int
	pooling        PoolingType
	trainable      bool
	withAliases    bool
	weights        string
	preTrainedDir  string
	strides        [][3]int
}

// BuildGraph for InceptionV3 on the given volume, which must be rank-5: a batch axis,
// three spatial axes and a channels axis, ordered according to Config.ChannelsAxis.
//
// Variables are created (or reused) in the given context's scope, so the same context
// scope can be used to apply the model to more than one input, sharing weights. To
// instantiate independent models, use different scopes.
//
// It returns a Config object for further configuration. Once the configuration is
// finished, call Config.Done and it returns the model output node.
func BuildGraph(ctx *context.Context, volume *Node) *Config {
	cfg := &Config{
		ctx:            ctx,
		volume:         volume,
		channelsConfig: images.ChannelsLast,
		includeTop:     true,
		numClasses:     DefaultNumClasses,
		pooling:        NoPooling,
		trainable:      true,
		strides:        make([][3]int, NumDownsamplingStages),
	}
	return cfg.Strides(DefaultStride)
}

// ClassificationTop includes the classification head: a global average pooling over the
// spatial axes followed by a dense layer with Config.Classes outputs and a softmax.
// When disabled, the model outputs the last feature layer, reduced according to
// Config.SetPooling.
//
// Defaults to true.
func (cfg *Config) ClassificationTop(useTop bool) *Config {
	cfg.includeTop = useTop
	return cfg
}

// Classes sets the number of classes of the classification top. It is only used if the
// top is included, see Config.ClassificationTop.
//
// Defaults to DefaultNumClasses.
func (cfg *Config) Classes(numClasses int) *Config {
	cfg.numClasses = numClasses
	return cfg
}

// SetPooling configures how the last feature layer is reduced when the classification
// top is disabled: NoPooling (the default), MaxPooling or MeanPooling.
func (cfg *Config) SetPooling(pooling PoolingType) *Config {
	cfg.pooling = pooling
	return cfg
}

// Weights selects the source of the model weights:
//
//   - `""`, the default: variables take the context's initializer (random weights).
//   - WeightsImageNet: accepted for compatibility with the 2D model, but since there is
//     no published volumetric ImageNet checkpoint it only logs a warning and leaves the
//     variables to the context's initializer. See Config.PreTrained to load weights
//     converted from a Keras ".h5" file instead.
//   - Anything else is taken as the path to a GoMLX checkpoint directory (see package
//     `pkg/ml/context/checkpoints`), which must exist; it is loaded into the context
//     before the graph is built. Load failures panic out of Config.Done.
func (cfg *Config) Weights(source string) *Config {
	cfg.weights = source
	return cfg
}

// PreTrained configures the model to load weights converted from a Keras ".h5" file,
// previously unpacked under baseDir with DownloadAndUnpackWeights. The tensors are read
// into the model variables in layer-creation order, following the Keras layer naming.
//
// It requires channels-last inputs (the layout of the converted kernels) and is
// mutually exclusive with a path-form Config.Weights.
func (cfg *Config) PreTrained(baseDir string) *Config {
	cfg.preTrainedDir = baseDir
	return cfg
}

// ChannelsAxis configures the volume layout: images.ChannelsLast (the default), meaning
// `[batch, depth, height, width, channels]`, or images.ChannelsFirst, meaning
// `[batch, channels, depth, height, width]`.
func (cfg *Config) ChannelsAxis(channelsConfig images.ChannelsAxisConfig) *Config {
	cfg.channelsConfig = channelsConfig
	return cfg
}

// Trainable marks the model variables as trainable or frozen. Freezing is the usual
// setting when using the model as a feature extractor in a larger model. It affects all
// variables under the context scope given to BuildGraph, after the graph is built.
//
// Defaults to true.
func (cfg *Config) Trainable(trainable bool) *Config {
	cfg.trainable = trainable
	return cfg
}

// WithAliases registers node aliases for the intermediate outputs of the model, under
// the alias scope AliasScope: "conv_000/output" to "conv_093/output" for each
// convolution block, "logits" and "predictions" for the classification top, or
// "embedding" for the feature output. See Graph.GetNodeByAlias to retrieve them, for
// instance to tap intermediate layers for style-transfer or deep-dream like
// applications.
//
// Defaults to false.
func (cfg *Config) WithAliases(withAliases bool) *Config {
	cfg.withAliases = withAliases
	return cfg
}

// Strides sets the same scalar stride for every axis of every downsampling stage.
//
// The default is DefaultStride, which with enough input resolution divides each spatial
// axis by 32 over the NumDownsamplingStages stages. Smaller volumes (or volumes with
// anisotropic resolution, like many CT scans) can use gentler schedules, see
// Config.StridesPerStage and Config.StrideForStage.
func (cfg *Config) Strides(stride int) *Config {
	for stage := range cfg.strides {
		cfg.strides[stage] = [3]int{stride, stride, stride}
	}
	return cfg
}

// StridesPerStage sets the whole stride schedule at once, one `[depth, height, width]`
// triple per downsampling stage. Exactly NumDownsamplingStages triples are required,
// which is checked by Config.Done.
func (cfg *Config) StridesPerStage(stages ...[3]int) *Config {
	cfg.strides = stages
	return cfg
}

// StrideForStage sets the strides of one downsampling stage. It accepts either one
// value, broadcast to the three spatial axes, or one value per axis.
func (cfg *Config) StrideForStage(stage int, strides ...int) *Config {
	if stage < 0 || stage >= len(cfg.strides) {
		exceptions.Panicf("inceptionv3: StrideForStage(stage=%d) out of range, the model has %d downsampling stages",
			stage, len(cfg.strides))
	}
	switch len(strides) {
	case 1:
		cfg.strides[stage] = [3]int{strides[0], strides[0], strides[0]}
	case 3:
		cfg.strides[stage] = [3]int{strides[0], strides[1], strides[2]}
	default:
		exceptions.Panicf("inceptionv3: StrideForStage takes 1 stride value (broadcast to the 3 spatial axes) or 3, got %d",
			len(strides))
	}
	return cfg
}

// validate the configuration before any graph construction. It panics with an
// invalid-argument error on the first violation found.
func (cfg *Config) validate() {
	shape := cfg.volume.Shape()
	if shape.Rank() != 5 {
		exceptions.Panicf("inceptionv3: input volume must be rank-5, a batch axis plus 3 spatial axes plus a channels axis, got shape %s",
			shape)
	}
	if len(cfg.strides) != NumDownsamplingStages {
		exceptions.Panicf("inceptionv3: the stride schedule must have exactly %d stages, got %d",
			NumDownsamplingStages, len(cfg.strides))
	}
	for stage, strides := range cfg.strides {
		for _, stride := range strides {
			if stride < 1 {
				exceptions.Panicf("inceptionv3: invalid stride %d in downsampling stage %d, strides must be >= 1",
					stride, stage)
			}
		}
	}
	if cfg.pooling != NoPooling && cfg.pooling != MaxPooling && cfg.pooling != MeanPooling {
		exceptions.Panicf("inceptionv3: invalid pooling type %d, use NoPooling, MaxPooling or MeanPooling", cfg.pooling)
	}
	if cfg.includeTop && cfg.numClasses < 1 {
		exceptions.Panicf("inceptionv3: the classification top requires Classes >= 1, got %d", cfg.numClasses)
	}
	if cfg.weights != "" && cfg.weights != WeightsImageNet {
		if !fsutil.MustFileExists(cfg.weights) {
			exceptions.Panicf("inceptionv3: Weights(%q) must be %q or the path to an existing checkpoint directory",
				cfg.weights, WeightsImageNet)
		}
		if cfg.preTrainedDir != "" {
			exceptions.Panicf("inceptionv3: Weights(%q) and PreTrained(%q) are mutually exclusive, configure only one source of weights",
				cfg.weights, cfg.preTrainedDir)
		}
	}
	if cfg.weights == WeightsImageNet && cfg.includeTop && cfg.numClasses != DefaultNumClasses {
		exceptions.Panicf("inceptionv3: %q weights include a %d-classes classification top, incompatible with Classes(%d)",
			WeightsImageNet, DefaultNumClasses, cfg.numClasses)
	}
	if cfg.preTrainedDir != "" && cfg.channelsConfig != images.ChannelsLast {
		exceptions.Panicf("inceptionv3: PreTrained weights use the channels-last kernel layout, incompatible with ChannelsAxis(ChannelsFirst)")
	}
}

// Done builds the InceptionV3 graph with the current configuration and returns the
// output: class probabilities shaped `[batch, Classes]` if the classification top is
// included, otherwise the last feature layer reduced according to Config.SetPooling.
//
// It panics with an invalid-argument error if the configuration is inconsistent (bad
// weights source, malformed stride schedule, wrong input rank) and with a wrapped IO
// error if loading configured weights fails.
func (cfg *Config) Done() *Node {
	cfg.validate()
	g := cfg.volume.Graph()
	ctx := cfg.ctx

	switch {
	case cfg.weights == WeightsImageNet:
		klog.Warningf("inceptionv3: no volumetric %q weights are published, continuing with the context initializer; "+
			"use PreTrained() to load weights converted from a Keras \".h5\" file", WeightsImageNet)
	case cfg.weights != "":
		_, err := checkpoints.Load(ctx).Dir(cfg.weights).Immediate().Done()
		if err != nil {
			panic(errors.WithMessagef(err, "inceptionv3: failed to load model weights from checkpoint %q", cfg.weights))
		}
		// Variables already exist in the context now, while a second application of the
		// model may still need to create (e.g.) batch normalization book-keeping.
		ctx = ctx.Checked(false)
	}

	kw := &kerasWeights{}
	if cfg.preTrainedDir != "" {
		kw.baseDir = fsutil.MustReplaceTildeInDir(cfg.preTrainedDir)
	}

	if cfg.withAliases {
		g.PushAliasScope(AliasScope)
		defer g.PopAliasScope()
	}

	x := inceptionGraph(cfg, ctx, kw, cfg.volume)

	if cfg.includeTop {
		// Classification head: global average pooling, dense projection, softmax.
		x = ReduceMean(x, images.GetSpatialAxes(x, cfg.channelsConfig)...)
		x = layers.DenseWithBias(kw.ReadPredictions(ctx), x, cfg.numClasses)
		if cfg.withAliases {
			x = x.WithAlias("logits")
		}
		x = nn.Softmax(x)
		if cfg.withAliases {
			x = x.WithAlias("predictions")
		}
	} else {
		switch cfg.pooling {
		case MaxPooling:
			x = ReduceMax(x, images.GetSpatialAxes(x, cfg.channelsConfig)...)
		case MeanPooling:
			x = ReduceMean(x, images.GetSpatialAxes(x, cfg.channelsConfig)...)
		case NoPooling:
			// Keep the full volumetric feature map.
		}
		if cfg.withAliases {
			x = x.WithAlias("embedding")
		}
	}

	if !cfg.trainable {
		cfg.ctx.EnumerateVariablesInScope(func(v *context.Variable) {
			v.SetTrainable(false)
		})
	}
	return x
}
