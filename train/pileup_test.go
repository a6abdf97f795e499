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
package train

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/saroudant/DNAscent/hmm"
)

type testContribution struct {
	path   []hmm.PathState
	events []float64
}

// testContributions fabricates decoded reads touching positions around the
// training bounds, with negative and high-precision values to exercise the
// spill format.
func testContributions() []testContribution {
	return []testContribution{
		{
			path: []hmm.PathState{
				{Pos: 4, Kind: hmm.MatchNarrow},
				{Pos: 5, Kind: hmm.MatchNarrow},
				{Pos: 5, Kind: hmm.Insert},
				{Pos: 6, Kind: hmm.MatchWide},
				{Pos: 9, Kind: hmm.MatchNarrow},
			},
			events: []float64{88.25, -3.0625, 55.5, 101.333333333333314, 97.75},
		},
		{
			path: []hmm.PathState{
				{Pos: 5, Kind: hmm.MatchWide},
				{Pos: 6, Kind: hmm.MatchNarrow},
				{Pos: 10, Kind: hmm.MatchNarrow},
			},
			events: []float64{90.5, -0.0001220703125, 93},
		},
		{
			path: []hmm.PathState{
				{Pos: 7, Kind: hmm.Insert},
				{Pos: 7, Kind: hmm.MatchNarrow},
				{Pos: 8, Kind: hmm.MatchNarrow},
			},
			events: []float64{60, 1e-17, 120.0625},
		},
	}
}

// runPileup feeds the contributions through an eventPileup in batches of
// batchSize reads, spilling every spillInterval batches, and returns the
// merged per-position pools.
func runPileup(t *testing.T, dir string, batchSize, spillInterval int) [][]float64 {
	const boundLower, boundUpper = 5, 10
	workFile, err := os.CreateTemp(dir, "pileup_test_*.pileup")
	assert.NoError(t, err)
	defer workFile.Close() // nolint: errcheck

	pileup := newEventPileup(boundLower, boundUpper, workFile)
	contributions := testContributions()
	for len(contributions) > 0 {
		n := batchSize
		if n > len(contributions) {
			n = len(contributions)
		}
		for _, c := range contributions[:n] {
			pileup.addRead(c.path, c.events)
		}
		contributions = contributions[n:]
		assert.NoError(t, pileup.endBatch(spillInterval))
	}
	assert.NoError(t, pileup.close())

	_, err = workFile.Seek(0, 0)
	assert.NoError(t, err)
	pooled, err := readSpilled(workFile, boundLower, boundUpper)
	assert.NoError(t, err)
	for i := range pooled {
		sort.Float64s(pooled[i])
	}
	return pooled
}

// Batch boundaries carry no semantic meaning: any partitioning of the same
// reads must produce the same per-position multisets.
func TestPileupBatchingIdempotence(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	want := runPileup(t, tmpdir, 1, 1)
	for _, config := range []struct{ batchSize, spillInterval int }{
		{1, 2}, {2, 1}, {2, 3}, {3, 1}, {3, 5},
	} {
		got := runPileup(t, tmpdir, config.batchSize, config.spillInterval)
		expect.EQ(t, got, want, "batchSize=%d spillInterval=%d", config.batchSize, config.spillInterval)
	}
}

// The training interval is half-open: boundLower contributes, boundUpper
// never does, and only match states contribute at all.
func TestPileupBounds(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	pooled := runPileup(t, tmpdir, 3, 1)
	expect.EQ(t, pooled[0], []float64{-3.0625, 90.5})             // pos 5: both match kinds, no insert
	expect.EQ(t, pooled[1], []float64{-0.0001220703125, 101.333333333333314}) // pos 6
	expect.EQ(t, pooled[2], []float64{1e-17})                     // pos 7: insert excluded
	expect.EQ(t, pooled[3], []float64{120.0625})                  // pos 8
	expect.EQ(t, pooled[4], []float64{97.75})                     // pos 9: lower..upper-1 all present
	// pos 4 and pos 10 fall outside [5, 10) and were dropped entirely.
}

func TestPileupCounters(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	workFile, err := os.CreateTemp(tmpdir, "pileup_test_*.pileup")
	assert.NoError(t, err)
	defer workFile.Close() // nolint: errcheck

	pileup := newEventPileup(0, 10, workFile)
	pileup.addRead([]hmm.PathState{{Pos: 1, Kind: hmm.MatchNarrow}}, []float64{90})
	pileup.noteFailed()
	pileup.noteFailed()
	processed, failed := pileup.progress()
	expect.EQ(t, processed, 3)
	expect.EQ(t, failed, 2)
}

// Whatever spill writes, readSpilled must reconstruct exactly, including
// negative and extreme floating-point values.
func TestSpillRoundTrip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	path := filepath.Join(tmpdir, "roundtrip.pileup")
	workFile, err := os.Create(path)
	assert.NoError(t, err)
	defer workFile.Close() // nolint: errcheck

	values := []float64{-1e300, -97.0625, -1e-17, 0, 2.2250738585072014e-308, 1.0000000000000002, 88.3}
	pileup := newEventPileup(0, 3, workFile)
	for _, v := range values {
		pileup.addRead([]hmm.PathState{{Pos: 1, Kind: hmm.MatchWide}}, []float64{v})
	}
	assert.NoError(t, pileup.close())

	_, err = workFile.Seek(0, 0)
	assert.NoError(t, err)
	pooled, err := readSpilled(workFile, 0, 3)
	assert.NoError(t, err)
	expect.EQ(t, pooled[1], values)
	expect.EQ(t, len(pooled[0]), 0)
	expect.EQ(t, len(pooled[2]), 0)
}
