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
package train_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/base/vcontext"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/saroudant/DNAscent/kmer"
	"github.com/saroudant/DNAscent/train"
)

const testReference = "AACGTACGTTAAGGCCTTACGGATCCATGCAA"

func referenceModel(reference string) kmer.Model {
	model := make(kmer.Model)
	for i := 0; i+kmer.K <= len(reference); i++ {
		context := reference[i : i+kmer.K]
		if _, ok := model[context]; !ok {
			model[context] = kmer.Level{Mean: 75 + 4*float64(len(model)), Stdv: 1.0}
		}
	}
	return model
}

// syntheticSignal samples the baseline distribution of each mapped position
// with small Gaussian noise, a few samples per position.
func syntheticSignal(reference string, model kmer.Model, samplesPerPos int, rng *xrand.Rand) []float64 {
	var raw []float64
	for i := 0; i+kmer.K < len(reference); i++ {
		level := model[reference[i:i+kmer.K]]
		noise := distuv.Normal{Mu: 0, Sigma: 0.3, Src: rng}
		for j := 0; j < samplesPerPos; j++ {
			raw = append(raw, level.Mean+noise.Rand())
		}
	}
	return raw
}

func writeFoh(t *testing.T, dir, reference string, signals [][]float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%d\n", reference, len(signals))
	for _, raw := range signals {
		fmt.Fprintf(&b, "%s\n0 %d\n0 %d\n", reference, len(reference), len(raw))
		for i, v := range raw {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
	path := filepath.Join(dir, "training.foh")
	assert.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func TestTrainEndToEnd(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	model := referenceModel(testReference)
	rng := xrand.New(xrand.NewSource(1))
	signals := [][]float64{
		syntheticSignal(testReference, model, 3, rng),
		syntheticSignal(testReference, model, 3, rng),
		syntheticSignal(testReference, model, 3, rng),
	}
	fohPath := writeFoh(t, tmpdir, testReference, signals)
	outPath := filepath.Join(tmpdir, "trained.model")

	ctx := vcontext.Background()
	opts := train.Opts{
		BoundLower:    5,
		BoundUpper:    10,
		Parallelism:   2,
		SpillInterval: 1,
		TempDir:       tmpdir,
	}
	assert.NoError(t, train.Train(ctx, fohPath, outPath, model, opts))

	out, err := os.ReadFile(outPath)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	expect.EQ(t, lines[0], "5mer\tONT_mean\tONT_stdv\tpi_1\tmean_1\tstdv_1\tpi_2\tmean_2\tstdv_2")
	expect.EQ(t, len(lines), 6, "expected one row per position in [5,10)")

	seen := make(map[int]bool)
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		assert.EQ(t, len(fields), 10, "row %q", line)

		pos, err := strconv.Atoi(fields[1])
		assert.NoError(t, err)
		expect.True(t, pos >= 5 && pos < 10, "row position %d outside bounds", pos)
		expect.True(t, !seen[pos], "duplicate row for position %d", pos)
		seen[pos] = true

		context := testReference[pos : pos+kmer.K]
		expect.EQ(t, fields[0], context)

		baseline := model[context]
		ontMean, err := strconv.ParseFloat(fields[2], 64)
		assert.NoError(t, err)
		expect.EQ(t, ontMean, baseline.Mean)

		mean1, err := strconv.ParseFloat(fields[5], 64)
		assert.NoError(t, err)
		mean2, err := strconv.ParseFloat(fields[8], 64)
		assert.NoError(t, err)
		expect.True(t, mean1 > baseline.Mean-2 && mean1 < baseline.Mean+2,
			"mean_1 %v far from baseline %v at position %d", mean1, baseline.Mean, pos)
		expect.True(t, mean2 > baseline.Mean-2 && mean2 < baseline.Mean+2,
			"mean_2 %v far from baseline %v at position %d", mean2, baseline.Mean, pos)

		pi1, err := strconv.ParseFloat(fields[4], 64)
		assert.NoError(t, err)
		pi2, err := strconv.ParseFloat(fields[7], 64)
		assert.NoError(t, err)
		expect.True(t, pi1 > 0 && pi2 > 0 && pi1+pi2 > 0.999 && pi1+pi2 < 1.001)
	}
	expect.EQ(t, len(seen), 5)
}

func TestTrainBadInputs(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	ctx := vcontext.Background()
	model := referenceModel(testReference)
	opts := train.Opts{BoundLower: 5, BoundUpper: 10, TempDir: tmpdir}

	err := train.Train(ctx, filepath.Join(tmpdir, "missing.foh"), filepath.Join(tmpdir, "out"), model, opts)
	expect.True(t, err != nil, "unreadable input must be fatal")

	fohPath := writeFoh(t, tmpdir, testReference, nil)
	badBounds := train.Opts{BoundLower: 8, BoundUpper: 8, TempDir: tmpdir}
	err = train.Train(ctx, fohPath, filepath.Join(tmpdir, "out"), model, badBounds)
	expect.True(t, err != nil, "empty bounds must be rejected")
}
