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

// Package train estimates, per reference position, a two-component Gaussian
// mixture over the normalised signal observations that align to it.  Reads
// are aligned to the reference with a per-read hidden Markov model; the
// aligned observations are pooled per position with disk-backed spillover,
// and each position's pool is fitted by regularised EM.
package train

import (
	"context"
	"io"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"

	"github.com/saroudant/DNAscent/hmm"
	"github.com/saroudant/DNAscent/kmer"
)

// Opts controls a training run.
type Opts struct {
	// BoundLower/BoundUpper restrict pileup and fitting to reference
	// positions in [BoundLower, BoundUpper).
	BoundLower int
	BoundUpper int
	// Parallelism is the worker count for both phases; 0 = runtime.NumCPU().
	Parallelism int
	// SpillInterval is the number of dispatched read batches between
	// pileup offloads to the work file.  It trades peak memory for I/O
	// volume; the right value is workload-dependent.
	SpillInterval int
	// TempDir is where the work file lives ("" = os.TempDir()).
	TempDir string
}

// DefaultOpts mirrors the historical defaults of the trainer.
var DefaultOpts = Opts{
	BoundLower:    0,
	BoundUpper:    0,
	Parallelism:   0,
	SpillInterval: 5,
	TempDir:       "",
}

const outputHeader = "5mer\tONT_mean\tONT_stdv\tpi_1\tmean_1\tstdv_1\tpi_2\tmean_2\tstdv_2"

// minPositionEvents is the smallest pool a position needs before a mixture
// is fitted for it.
const minPositionEvents = 1

// Train runs the two-phase pipeline: align every read of the foh file at
// fohPath against its reference window and pool the aligned observations,
// then fit a per-position mixture and write the trained table to outPath.
// The phases are strictly sequential; fitting starts only after the pileup
// has been fully flushed.  Only I/O-class failures abort the run; per-read
// and per-position failures are counted and skipped.
func Train(ctx context.Context, fohPath, outPath string, model kmer.Model, opts Opts) (err error) {
	if opts.BoundUpper <= opts.BoundLower || opts.BoundLower < 0 {
		return errors.New("train: bounds must satisfy 0 <= lower < upper")
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	spillInterval := opts.SpillInterval
	if spillInterval <= 0 {
		spillInterval = DefaultOpts.SpillInterval
	}

	in, err := file.Open(ctx, fohPath)
	if err != nil {
		return errors.E(err, "train: open training data", fohPath)
	}
	defer file.CloseAndReport(ctx, in, &err)
	var inr io.Reader = in.Reader(ctx)
	if cr, isCompressed := compress.NewReaderPath(inr, fohPath); isCompressed {
		defer cr.Close() // nolint: errcheck
		inr = cr
	}

	scanner, err := NewScanner(inr)
	if err != nil {
		return errors.E(err, "train: parse training data header", fohPath)
	}
	reference := scanner.Reference()
	if opts.BoundUpper+kmer.K-1 > len(reference) {
		return errors.New("train: upper bound leaves no complete reference context")
	}

	workFile, err := os.CreateTemp(opts.TempDir, "dnascent_train_*.pileup")
	if err != nil {
		return errors.E(err, "train: create work file")
	}
	defer func() {
		if e := workFile.Close(); e != nil && err == nil {
			err = e
		}
		os.Remove(workFile.Name()) // nolint: errcheck
	}()

	pileup, err := alignReads(scanner, reference, model, workFile, parallelism, spillInterval, opts)
	if err != nil {
		return err
	}
	processed, failed := pileup.progress()
	log.Printf("train: alignment done, %d reads processed, %d failed", processed, failed)

	if _, err = workFile.Seek(0, io.SeekStart); err != nil {
		return errors.E(err, "train: rewind work file", workFile.Name())
	}
	pooled, err := readSpilled(workFile, opts.BoundLower, opts.BoundUpper)
	if err != nil {
		return errors.E(err, "train: read work file", workFile.Name())
	}

	out, err := file.Create(ctx, outPath)
	if err != nil {
		return errors.E(err, "train: create output", outPath)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = fitPositions(out.Writer(ctx), pooled, reference, model, parallelism, opts); err != nil {
		return err
	}
	return nil
}

// alignReads is phase one: batch reads up to the worker count, decode each
// batch in parallel, and accumulate match-state observations into the
// pileup, spilling on the configured cadence.
func alignReads(scanner *Scanner, reference string, model kmer.Model, workFile *os.File, parallelism, spillInterval int, opts Opts) (*eventPileup, error) {
	pileup := newEventPileup(opts.BoundLower, opts.BoundUpper, workFile)
	total := scanner.NumReads()
	buffer := make([]Read, 0, parallelism)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		reads := buffer
		if err := traverse.Each(len(reads), func(i int) error {
			alignRead(&reads[i], reference, model, pileup)
			return nil
		}); err != nil {
			return err
		}
		buffer = buffer[:0]
		processed, failed := pileup.progress()
		log.Printf("train: aligned %d/%d reads (%d failed)", processed, total, failed)
		if err := pileup.endBatch(spillInterval); err != nil {
			return errors.E(err, "train: spill pileup", workFile.Name())
		}
		return nil
	}

	var read Read
	for scanner.Scan(&read) {
		buffer = append(buffer, read)
		if len(buffer) == parallelism {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(err, "train: scan training data")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := pileup.close(); err != nil {
		return nil, errors.E(err, "train: flush work file", workFile.Name())
	}
	return pileup, nil
}

// alignRead normalises, decodes and piles up a single read.  All failure
// modes here are per-read recoverable: the read is counted and skipped.
func alignRead(read *Read, reference string, model kmer.Model, pileup *eventPileup) {
	if read.RefLo < 0 || read.RefHi > len(reference) || read.RefHi-read.RefLo < kmer.K+1 {
		pileup.noteFailed()
		return
	}
	window := reference[read.RefLo:read.RefHi]

	eventData, err := normalizeEvents(read.Raw, window, model)
	if err != nil || math.Abs(eventData.qualityScore) > maxQualityScore {
		pileup.noteFailed()
		return
	}

	m, err := hmm.Build(window, read.RefLo, model)
	if err != nil {
		pileup.noteFailed()
		return
	}
	_, path, err := m.Viterbi(eventData.events)
	if err != nil {
		// Non-finite score: the whole read failed, no partial path is used.
		pileup.noteFailed()
		return
	}
	pileup.addRead(path, eventData.events)
}

// fitPositions is phase two: fit a mixture for every position with pooled
// observations, striping positions across workers and serialising row
// writes.  Rows land in completion order, not position order.
func fitPositions(w io.Writer, pooled [][]float64, reference string, model kmer.Model, parallelism int, opts Opts) error {
	tsvw := tsv.NewWriter(w)
	tsvw.WriteString(outputHeader)
	if err := tsvw.EndLine(); err != nil {
		return err
	}

	nPos := len(pooled)
	if parallelism > nPos {
		parallelism = nPos
	}
	var (
		mu     sync.Mutex
		fitted int
		failed int
	)
	err := traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * nPos) / parallelism
		endIdx := ((jobIdx + 1) * nPos) / parallelism
		for i := startIdx; i < endIdx; i++ {
			events := pooled[i]
			if len(events) < minPositionEvents {
				continue
			}
			pos := opts.BoundLower + i
			context := reference[pos : pos+kmer.K]
			level, ok := model[context]
			if !ok {
				mu.Lock()
				failed++
				mu.Unlock()
				continue
			}
			seed := mixture{
				weight1: 0.5, mean1: level.Mean, stdv1: level.Stdv,
				weight2: 0.5, mean2: level.Mean, stdv2: 2 * level.Stdv,
			}
			fit, err := fitMixture(seed, events)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				continue
			}
			mu.Lock()
			tsvw.WriteString(context)
			tsvw.WriteInt64(int64(pos))
			tsvw.WriteFloat64(level.Mean, 'g', -1)
			tsvw.WriteFloat64(level.Stdv, 'g', -1)
			tsvw.WriteFloat64(fit.weight1, 'g', -1)
			tsvw.WriteFloat64(fit.mean1, 'g', -1)
			tsvw.WriteFloat64(fit.stdv1, 'g', -1)
			tsvw.WriteFloat64(fit.weight2, 'g', -1)
			tsvw.WriteFloat64(fit.mean2, 'g', -1)
			tsvw.WriteFloat64(fit.stdv2, 'g', -1)
			e := tsvw.EndLine()
			fitted++
			mu.Unlock()
			if e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := tsvw.Flush(); err != nil {
		return err
	}
	log.Printf("train: mixture fitting done, %d positions fitted, %d failed", fitted, failed)
	return nil
}
