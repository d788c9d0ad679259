// Package data loads per-segment datasets and samples records from them.
package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
)

var (
	// ErrEmptyDataset is returned when a dataset has no usable records.
	ErrEmptyDataset = errors.New("dataset has no records")

	// ErrEmptyPool is returned by Sample on a pool without records.
	ErrEmptyPool = errors.New("data pool is empty")
)

// Record is one identifier read from a dataset row.
type Record string

// Pool is a fixed, read-only collection of records shared by every
// iteration of a segment. Sample is safe for concurrent use.
type Pool struct {
	name    string
	records []Record

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Pool.
type Option func(*Pool)

// WithSeed makes sampling deterministic.
func WithSeed(seed int64) Option {
	return func(p *Pool) {
		p.rng = rand.New(rand.NewSource(seed))
	}
}

// NewPool creates a pool over records. The slice is copied.
func NewPool(name string, records []Record, opts ...Option) (*Pool, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyDataset)
	}
	p := &Pool{
		name:    name,
		records: append([]Record(nil), records...),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Load reads a dataset file and builds a pool named after the path.
func Load(path string, opts ...Option) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	records, err := ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return NewPool(path, records, opts...)
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Len returns the number of records.
func (p *Pool) Len() int {
	return len(p.records)
}

// At returns the record at index i.
func (p *Pool) At(i int) (Record, error) {
	if i < 0 || i >= len(p.records) {
		return "", fmt.Errorf("index %d out of range [0, %d)", i, len(p.records))
	}
	return p.records[i], nil
}

// Records returns a copy of all records in dataset order.
func (p *Pool) Records() []Record {
	return append([]Record(nil), p.records...)
}

// Fork returns a pool over the same records with its own generator,
// seeded from p's. Records are shared, not copied.
func (p *Pool) Fork() *Pool {
	p.mu.Lock()
	seed := p.rng.Int63()
	p.mu.Unlock()
	return &Pool{
		name:    p.name,
		records: p.records,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Sample returns a uniformly random record, with replacement.
func (p *Pool) Sample() (Record, error) {
	if p == nil || len(p.records) == 0 {
		return "", ErrEmptyPool
	}
	p.mu.Lock()
	idx := p.rng.Intn(len(p.records))
	p.mu.Unlock()
	return p.records[idx], nil
}

// ReadRecords parses a dataset: the first line is a header and is skipped,
// each following line yields its first field, unquoted and trimmed. Blank
// values are dropped.
func ReadRecords(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var records []Record
	header := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}
		if len(row) == 0 {
			continue
		}
		if v := Clean(row[0]); v != "" {
			records = append(records, Record(v))
		}
	}
	return records, nil
}

// Clean trims whitespace and surrounding quote characters from a value.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// FormatQuoted renders records as a single-quoted, comma-separated list,
// e.g. 'a','b','c'.
func FormatQuoted(records []Record) string {
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('\'')
		b.WriteString(string(r))
		b.WriteByte('\'')
	}
	return b.String()
}
