package visit

import (
	"context"
	"fmt"
)

// allocator hands out visit UIDs for one batch. The baseline is read once and
// every subsequent UID is issued from a local counter, so two batches running
// at the same time can issue the same UID. That race is accepted.
type allocator struct {
	year    int
	next    int
	created int
}

func newAllocator(ctx context.Context, store Reader, year int) (*allocator, error) {
	max, err := store.MaxSequence(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("read visit uid baseline: %w", err)
	}
	return &allocator{year: year, next: max + 1}, nil
}

// Next returns the next "<year>-<6 digits>" UID.
func (a *allocator) Next() string {
	uid := FormatVisitUID(a.year, a.next)
	a.next++
	a.created++
	return uid
}

// Created reports how many UIDs this allocator issued.
func (a *allocator) Created() int {
	return a.created
}

// FormatVisitUID renders a sequence number as a visit UID. Sequences beyond six
// digits widen rather than wrap.
func FormatVisitUID(year, seq int) string {
	return fmt.Sprintf("%d-%06d", year, seq)
}
