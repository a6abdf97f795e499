// Copyright 2023 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
dnascent-train estimates the mean and standard deviation of a base
analogue's signal at each bounded reference position, by aligning foh
training reads to the reference and fitting a per-position Gaussian mixture.
*/

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/saroudant/DNAscent/kmer"
	"github.com/saroudant/DNAscent/train"
)

var (
	modelPath     = flag.String("model", "", "Baseline pore-model TSV (kmer/level_mean/level_stdv columns); required")
	outPath       = flag.String("out", "trained.model", "Output path for the trained pore model table")
	boundLower    = flag.Int("bound-lower", train.DefaultOpts.BoundLower, "Lowest reference position to train (inclusive)")
	boundUpper    = flag.Int("bound-upper", train.DefaultOpts.BoundUpper, "Highest reference position to train (exclusive); required")
	parallelism   = flag.Int("parallelism", train.DefaultOpts.Parallelism, "Number of simultaneous alignment/fitting workers; 0 = runtime.NumCPU()")
	spillInterval = flag.Int("spill-interval", train.DefaultOpts.SpillInterval, "Read batches between pileup offloads to the work file")
	tempDir       = flag.String("temp-dir", train.DefaultOpts.TempDir, "Directory to write the work file to (default os.TempDir())")
)

func trainUsage() {
	fmt.Printf("Usage: %s [OPTIONS] fohpath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = trainUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("Exactly one positional argument (fohpath) expected, got %d", flag.NArg())
	}
	if *modelPath == "" {
		log.Fatalf("-model is required")
	}
	ctx := vcontext.Background()

	modelFile, err := os.Open(*modelPath)
	if err != nil {
		log.Fatalf("open pore model: %v", err)
	}
	model, err := kmer.ReadModel(modelFile)
	if err != nil {
		log.Fatalf("parse pore model %s: %v", *modelPath, err)
	}
	if err = modelFile.Close(); err != nil {
		log.Fatalf("close pore model: %v", err)
	}

	opts := train.Opts{
		BoundLower:    *boundLower,
		BoundUpper:    *boundUpper,
		Parallelism:   *parallelism,
		SpillInterval: *spillInterval,
		TempDir:       *tempDir,
	}
	if err = train.Train(ctx, flag.Arg(0), *outPath, model, opts); err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
}
