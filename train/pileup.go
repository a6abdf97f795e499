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
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/saroudant/DNAscent/hmm"
)

// eventPileup accumulates aligned observations per reference position.  It
// is shared by all alignment workers; every mutation happens under mu, one
// critical section per decoded read so that the pileup append and the
// progress counters move together.
//
// The pileup is not a full in-memory table: per-position observation counts
// grow without bound in the read count, so the table is periodically
// serialised to the work file and cleared.  Peak memory is therefore
// O(observations since the last spill).
type eventPileup struct {
	mu         sync.Mutex
	events     map[int][]float64
	boundLower int
	boundUpper int
	processed  int
	failed     int

	batches int // dispatched batches since the last spill
	w       *bufio.Writer
}

func newEventPileup(boundLower, boundUpper int, workFile *os.File) *eventPileup {
	return &eventPileup{
		events:     make(map[int][]float64),
		boundLower: boundLower,
		boundUpper: boundUpper,
		w:          bufio.NewWriter(workFile),
	}
}

// addRead appends one decoded read's match-state observations.  Only match
// kinds contribute; inserts consume a sample but belong to no position, and
// the training bounds are half-open on the upper end.
func (p *eventPileup) addRead(path []hmm.PathState, events []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, step := range path {
		if !step.Kind.Match() {
			continue
		}
		if step.Pos >= p.boundLower && step.Pos < p.boundUpper {
			p.events[step.Pos] = append(p.events[step.Pos], events[i])
		}
	}
	p.processed++
}

// noteFailed records a read that was rejected or failed to decode.
func (p *eventPileup) noteFailed() {
	p.mu.Lock()
	p.failed++
	p.processed++
	p.mu.Unlock()
}

// progress returns the processed/failed counters.  Both are monotone.
func (p *eventPileup) progress() (processed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.failed
}

// endBatch marks one dispatched batch complete and spills once
// spillInterval batches have accumulated.
func (p *eventPileup) endBatch(spillInterval int) error {
	p.batches++
	if p.batches < spillInterval {
		return nil
	}
	p.batches = 0
	return p.spill()
}

// spill appends the current table to the work file, one
// "<position> <val>..." line per position, then clears the table.  Values
// are formatted so the read path reconstructs them exactly.
func (p *eventPileup) spill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	positions := make([]int, 0, len(p.events))
	for pos := range p.events {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var buf []byte
	for _, pos := range positions {
		buf = strconv.AppendInt(buf[:0], int64(pos), 10)
		for _, v := range p.events[pos] {
			buf = append(buf, ' ')
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
		buf = append(buf, '\n')
		if _, err := p.w.Write(buf); err != nil {
			return err
		}
	}
	p.events = make(map[int][]float64)
	return nil
}

// close performs the final spill and flushes the work file.
func (p *eventPileup) close() error {
	if err := p.spill(); err != nil {
		return err
	}
	return p.w.Flush()
}

// readSpilled merges all spill cycles of a work file back into one slice of
// observation pools, indexed by position minus boundLower.  Same-position
// lines from different cycles concatenate; the merge order is irrelevant
// downstream.
func readSpilled(r io.Reader, boundLower, boundUpper int) ([][]float64, error) {
	pooled := make([][]float64, boundUpper-boundLower)
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineBytes)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		pos, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "work file: bad position %q", fields[0])
		}
		if pos < boundLower || pos >= boundUpper {
			return nil, errors.Errorf("work file: position %d outside bounds [%d,%d)", pos, boundLower, boundUpper)
		}
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "work file: bad observation %q at position %d", f, pos)
			}
			pooled[pos-boundLower] = append(pooled[pos-boundLower], v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pooled, nil
}
