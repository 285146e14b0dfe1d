// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// augment_run assembles an augmentation pipeline over a directory of images
// and runs it for a number of steps, reporting per-phase timing. It's both a
// smoke test and a reference for wiring a pipeline by hand.
//
// Example:
//
//	augment_run --images ./photos --batch 16 --steps 100 --ops flip,brightness,warp_affine
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/augment/backends"
	_ "github.com/gomlx/augment/backends/default"
	"github.com/gomlx/augment/loaders"
	"github.com/gomlx/augment/params"
	"github.com/gomlx/augment/pipeline"
	"github.com/gomlx/augment/pipeline/nodes"
	"github.com/gomlx/augment/types/images"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagImages = flag.String("images", "", "Directory with jpeg/png images to load. Required.")
	flagBatch  = flag.Int("batch", 8, "Images per batch.")
	flagSteps  = flag.Int("steps", 10, "Number of batches to process.")
	flagWidth  = flag.Int("width", 224, "Per-image width the loader decodes to.")
	flagHeight = flag.Int("height", 224, "Per-image height the loader decodes to.")
	flagOps    = flag.String("ops", "flip,brightness,warp_affine",
		fmt.Sprintf("Comma-separated augmentation chain. Known: %s.", strings.Join(nodes.Names(), ", ")))
	flagGPU    = flag.Bool("gpu", false, "Use GPU affinity (device memory).")
	flagLayout = flag.String("layout", "NHWC", "Output tensor layout: NHWC or NCHW.")
	flagSeed   = flag.Int64("seed", 42, "Seed of the augmentation parameters.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagImages == "" {
		klog.Exit("flag --images is required; see --help")
	}

	affinity := backends.CPU
	if *flagGPU {
		affinity = backends.GPU
	}
	layout := pipeline.NHWC
	if strings.EqualFold(*flagLayout, "NCHW") {
		layout = pipeline.NCHW
	}

	backend := backends.New()
	fmt.Printf("Backend: %s - %s\n", backend.Name(), backend.Description())

	factory := params.New(*flagSeed)
	mg := must.M1(pipeline.New(backend, *flagBatch, affinity, 0, 0, factory))
	defer mg.Release()

	// Loader -> chain of augmentations; the last op's output is the
	// pipeline output.
	decoded := mg.CreateLoaderOutputImage(
		images.Make(*flagWidth, *flagHeight, *flagBatch, images.RGB24, mg.MemType()), false)
	mg.AddLoader(must.M1(loaders.NewFileLoader(*flagImages, decoded, mg.Context().Queue())))

	input := decoded
	opNames := strings.Split(*flagOps, ",")
	for i, name := range opNames {
		isOutput := i == len(opNames)-1
		output := mg.CreateImage(input.Info(), isOutput)
		mg.AddNode(must.M1(nodes.New(strings.TrimSpace(name), factory, input, output)))
		input = output
	}

	must.M(mg.Build())
	tensor := make([]float32, mg.OutputWidth()*mg.OutputHeight()*
		mg.OutputColorFormat().PlaneCount()*mg.OutputImageCount())
	fmt.Printf("Output tensor: %d elements (%s), layout %s\n",
		len(tensor), humanize.Bytes(uint64(len(tensor)*4)), layout)

	bar := progressbar.Default(int64(*flagSteps), "augmenting")
	for step := 0; step < *flagSteps; step++ {
		if mg.RemainingImageCount() < mg.BatchSize() {
			mg.ResetLoaders()
		}
		must.M(mg.Run())
		must.M(mg.CopyOutTensor(tensor, layout,
			[3]float32{1 / 255.0, 1 / 255.0, 1 / 255.0}, [3]float32{0, 0, 0}, false))
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	timing := mg.Timing()
	fmt.Printf("Timing: load=%s decode=%s process=%s convert=%s\n",
		timing.Load, timing.Decode, timing.Process, timing.Convert)
}
