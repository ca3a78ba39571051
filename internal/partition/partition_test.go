package partition

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
)

func TestNewRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	_, err := New(10, 5, 3)
	var rangeErr *domain.InvalidRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("New() error = %v, want InvalidRangeError", err)
	}
	if rangeErr.Min != 10 || rangeErr.Max != 5 {
		t.Fatalf("InvalidRangeError = %+v, want min=10 max=5", rangeErr)
	}
}

func TestNewRejectsNonPositiveBatchSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int64{0, -1} {
		if _, err := New(0, 10, size); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("New(batchSize=%d) error = %v, want ErrValidation", size, err)
		}
	}
}

func TestEmptyRangeYieldsNothing(t *testing.T) {
	t.Parallel()

	p, err := New(42, 42, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := p.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
	for r := range p.From(42) {
		t.Fatalf("unexpected range %s", r)
	}
}

func TestWindowsTruncateAtMax(t *testing.T) {
	t.Parallel()

	p, err := New(1, 26, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := []Range{{1, 11}, {11, 21}, {21, 26}}
	got := p.Take(1, 100)
	if len(got) != len(want) {
		t.Fatalf("Take() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Take()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if p.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", p.Count())
	}
}

func TestFromResumesAtCursor(t *testing.T) {
	t.Parallel()

	p, err := New(0, 100, 25)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first := p.Take(0, 2)
	if len(first) != 2 || first[1].Max != 50 {
		t.Fatalf("Take(0, 2) = %v, want two windows ending at 50", first)
	}

	rest := p.Take(first[len(first)-1].Max, 10)
	if len(rest) != 2 || rest[0] != (Range{50, 75}) || rest[1] != (Range{75, 100}) {
		t.Fatalf("Take(50, 10) = %v", rest)
	}

	if got := p.Take(100, 10); len(got) != 0 {
		t.Fatalf("Take(max) = %v, want none", got)
	}
}

func TestNearMaxInt64DoesNotOverflow(t *testing.T) {
	t.Parallel()

	p, err := New(math.MaxInt64-15, math.MaxInt64, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := p.Take(math.MinInt64, 5)
	want := []Range{{math.MaxInt64 - 15, math.MaxInt64 - 5}, {math.MaxInt64 - 5, math.MaxInt64}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Take() = %v, want %v", got, want)
	}
}

func TestCoverageProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		lo := rng.Int63n(1_000_000) - 500_000
		hi := lo + rng.Int63n(50_000)
		size := rng.Int63n(5_000) + 1

		p, err := New(lo, hi, size)
		if err != nil {
			t.Fatalf("New(%d, %d, %d) error = %v", lo, hi, size, err)
		}

		cursor := lo
		var count int64
		for r := range p.From(lo) {
			if r.Min != cursor {
				t.Fatalf("gap or overlap at %d: got window %s", cursor, r)
			}
			if r.Width() <= 0 || r.Width() > size {
				t.Fatalf("window %s width %d outside (0, %d]", r, r.Width(), size)
			}
			cursor = r.Max
			count++
		}
		if cursor != hi {
			t.Fatalf("windows end at %d, want %d", cursor, hi)
		}
		if count != p.Count() {
			t.Fatalf("Count() = %d, iterated %d", p.Count(), count)
		}
	}
}

func TestFullKeyDomainDoesNotOverflow(t *testing.T) {
	t.Parallel()

	for _, size := range []int64{1, 2} {
		p, err := New(math.MinInt64, math.MaxInt64, size)
		if err != nil {
			t.Fatalf("New(batchSize=%d) error = %v", size, err)
		}
		if got := p.Count(); got != math.MaxInt64 {
			t.Fatalf("Count(batchSize=%d) = %d, want math.MaxInt64", size, got)
		}

		got := p.Take(math.MinInt64, 3)
		if len(got) != 3 {
			t.Fatalf("Take(batchSize=%d) = %v, want 3 windows", size, got)
		}
		for i, r := range got {
			want := Range{Min: math.MinInt64 + int64(i)*size, Max: math.MinInt64 + int64(i+1)*size}
			if r != want {
				t.Fatalf("Take(batchSize=%d)[%d] = %s, want %s", size, i, r, want)
			}
		}
	}
}

func TestFromStopsWhenConsumerDoes(t *testing.T) {
	t.Parallel()

	p, err := New(0, 100, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var seen []Range
	for r := range p.From(-5) {
		seen = append(seen, r)
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 || seen[0] != (Range{0, 10}) || seen[1] != (Range{10, 20}) {
		t.Fatalf("From(-5) = %v, want [0, 10) and [10, 20)", seen)
	}
}
