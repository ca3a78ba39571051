// Package partition splits a key range into fixed-width batch windows.
//
// Windows are computed over the key domain rather than by row count, so a
// sparse table still yields one window per batchSize keys and no table scan
// is needed to find boundaries.
package partition

import (
	"fmt"
	"iter"
	"math"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
)

// Range is the half-open key range [Min, Max).
type Range struct {
	Min int64
	Max int64
}

func (r Range) Width() int64 { return r.Max - r.Min }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Min, r.Max) }

// Partitioner describes the windows of [min, max) with width at most batchSize.
type Partitioner struct {
	min       int64
	max       int64
	batchSize int64
}

func New(min, max, batchSize int64) (*Partitioner, error) {
	if max < min {
		return nil, &domain.InvalidRangeError{Min: min, Max: max}
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive (got %d)", domain.ErrValidation, batchSize)
	}

	return &Partitioner{min: min, max: max, batchSize: batchSize}, nil
}

// Count returns the number of windows covering the range, saturating at
// math.MaxInt64.
func (p *Partitioner) Count() int64 {
	width := uint64(p.max) - uint64(p.min)
	size := uint64(p.batchSize)
	count := width / size
	if width%size != 0 {
		count++
	}
	if count > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(count)
}

// From yields the windows starting at cursor in ascending order. Cursors
// below min start at min and cursors at or past max yield nothing. A cursor
// is expected to be a window boundary previously produced by this
// partitioner.
func (p *Partitioner) From(cursor int64) iter.Seq[Range] {
	return func(yield func(Range) bool) {
		lo := max(cursor, p.min)
		for lo < p.max {
			hi := p.max
			// Compare in uint64 so lo+batchSize never overflows near MaxInt64.
			if uint64(p.max)-uint64(lo) > uint64(p.batchSize) {
				hi = lo + p.batchSize
			}
			if !yield(Range{Min: lo, Max: hi}) {
				return
			}
			lo = hi
		}
	}
}

// Take returns at most n windows starting at cursor.
func (p *Partitioner) Take(cursor int64, n int) []Range {
	if n <= 0 {
		return nil
	}

	capacity := n
	if c := p.Count(); c < int64(n) {
		capacity = int(c)
	}
	ranges := make([]Range, 0, capacity)
	for r := range p.From(cursor) {
		ranges = append(ranges, r)
		if len(ranges) == n {
			break
		}
	}
	return ranges
}
