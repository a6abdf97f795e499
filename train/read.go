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
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

// Read is one training read from a foh file: its basecalls, the reference
// and query intervals it maps to (half-open), and the raw signal samples.
// Reads are immutable once scanned.
type Read struct {
	Basecalls string
	RefLo     int
	RefHi     int
	QueryLo   int
	QueryHi   int
	Raw       []float64
}

// maxLineBytes bounds a single foh or work-file line.  Raw-signal and spill
// lines hold one number per sample/observation, so the default
// bufio.Scanner cap is far too small.
const maxLineBytes = 1 << 28

// Scanner reads a foh training-data stream: a reference-sequence line, a
// read-count line, then four lines per read (basecalls, reference bounds,
// query bounds, raw signal).
type Scanner struct {
	sc       *bufio.Scanner
	ref      string
	numReads int
	nLine    int
	err      error
}

// NewScanner consumes the two-line foh header and returns a Scanner
// positioned at the first read record.
func NewScanner(r io.Reader) (*Scanner, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineBytes)
	s := &Scanner{sc: sc}

	ref, err := s.line()
	if err != nil {
		return nil, errors.Wrap(err, "foh: missing reference header")
	}
	ref = strings.ToUpper(strings.TrimSpace(ref))
	for i := 0; i < len(ref); i++ {
		switch ref[i] {
		case 'A', 'C', 'G', 'T', 'N':
		default:
			log.Error.Printf("foh: illegal character %q in reference (legal characters are A, C, G, T, N)", ref[i])
		}
	}
	s.ref = ref

	countLine, err := s.line()
	if err != nil {
		return nil, errors.Wrap(err, "foh: missing read-count header")
	}
	if s.numReads, err = strconv.Atoi(strings.TrimSpace(countLine)); err != nil {
		return nil, errors.Wrapf(err, "foh: bad read count %q", countLine)
	}
	return s, nil
}

// Reference returns the shared reference sequence all reads align against.
func (s *Scanner) Reference() string { return s.ref }

// NumReads returns the total read count declared by the header.
func (s *Scanner) NumReads() int { return s.numReads }

// Scan reads the next record into *read, allocating a fresh Raw slice.  It
// returns false at end of input or on error; check Err afterwards.
func (s *Scanner) Scan(read *Read) bool {
	if s.err != nil {
		return false
	}
	basecalls, err := s.line()
	if err == io.EOF {
		return false
	} else if err != nil {
		s.err = err
		return false
	}
	read.Basecalls = basecalls

	if read.RefLo, read.RefHi, err = s.boundsLine("reference"); err != nil {
		s.err = err
		return false
	}
	if read.QueryLo, read.QueryHi, err = s.boundsLine("query"); err != nil {
		s.err = err
		return false
	}

	rawLine, err := s.line()
	if err != nil {
		s.err = errors.Wrapf(err, "foh: line %d: missing raw-signal line", s.nLine)
		return false
	}
	fields := strings.Fields(rawLine)
	read.Raw = make([]float64, len(fields))
	for i, f := range fields {
		if read.Raw[i], err = strconv.ParseFloat(f, 64); err != nil {
			s.err = errors.Wrapf(err, "foh: line %d: bad raw sample %q", s.nLine, f)
			return false
		}
	}
	return true
}

// Err returns the first error encountered while scanning, if any.
func (s *Scanner) Err() error { return s.err }

func (s *Scanner) line() (string, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	s.nLine++
	return s.sc.Text(), nil
}

func (s *Scanner) boundsLine(what string) (lo, hi int, err error) {
	line, err := s.line()
	if err != nil {
		return 0, 0, errors.Wrapf(err, "foh: line %d: missing %s bounds", s.nLine, what)
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, errors.Errorf("foh: line %d: bad %s bounds %q", s.nLine, what, line)
	}
	if lo, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, errors.Wrapf(err, "foh: line %d: bad %s bounds %q", s.nLine, what, line)
	}
	if hi, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, errors.Wrapf(err, "foh: line %d: bad %s bounds %q", s.nLine, what, line)
	}
	return lo, hi, nil
}
