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

// Package kmer holds the baseline pore model: the canonical (mean, stdv)
// signal level for every reference k-mer, as published by the sequencer
// vendor.  The table is loaded once at startup and is read-only afterwards.
package kmer

import (
	"fmt"
	"io"

	"github.com/grailbio/base/tsv"
)

// K is the k-mer length of the pore model.  All position arithmetic in this
// repository assumes a window of K consecutive reference bases determines the
// signal level.
const K = 5

// Level is the baseline signal distribution for one k-mer.
type Level struct {
	Mean float64
	Stdv float64
}

// Model maps each K-length reference context to its baseline level.
type Model map[string]Level

// modelRow is one line of a pore-model TSV file.  Extra columns are ignored.
type modelRow struct {
	Kmer string  `tsv:"kmer"`
	Mean float64 `tsv:"level_mean"`
	Stdv float64 `tsv:"level_stdv"`
}

// ReadModel parses a pore-model table: a header row naming at least the
// kmer/level_mean/level_stdv columns, then one row per k-mer.  Lines starting
// with '#' are skipped.
func ReadModel(r io.Reader) (Model, error) {
	tsvReader := tsv.NewReader(r)
	tsvReader.Comment = '#'
	tsvReader.HasHeaderRow = true
	tsvReader.UseHeaderNames = true

	model := make(Model)
	for {
		var row modelRow
		if err := tsvReader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if len(row.Kmer) != K {
			return nil, fmt.Errorf("pore model: %q is not a %d-mer", row.Kmer, K)
		}
		if row.Stdv <= 0 {
			return nil, fmt.Errorf("pore model: %q has non-positive stdv %v", row.Kmer, row.Stdv)
		}
		model[row.Kmer] = Level{Mean: row.Mean, Stdv: row.Stdv}
	}
	if len(model) == 0 {
		return nil, fmt.Errorf("pore model: empty table")
	}
	return model, nil
}

// Levels returns the baseline level of each K-mer of seq, in order.  The
// result has len(seq)-K+1 entries.
func (m Model) Levels(seq string) ([]Level, error) {
	if len(seq) < K {
		return nil, fmt.Errorf("kmer.Levels: sequence length %d < %d", len(seq), K)
	}
	levels := make([]Level, len(seq)-K+1)
	for i := range levels {
		context := seq[i : i+K]
		level, ok := m[context]
		if !ok {
			return nil, fmt.Errorf("kmer.Levels: no baseline level for %q", context)
		}
		levels[i] = level
	}
	return levels, nil
}
