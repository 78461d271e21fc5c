package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// FetchRangeFunc loads the members of group key with sequence numbers in gap.
type FetchRangeFunc[T Entity] func(ctx context.Context, key any, gap Gap) ([]T, error)

// FillGaps fetches every gap of slice concurrently, at most limit at a time
// (no limit when limit <= 0), stores the results and returns the slice read
// back from the cache. Nothing is stored when any fetch fails or any fetched
// entity is rejected by an index.
func FillGaps[T Entity](ctx context.Context, c *Cache[T], field string, key any, slice *SequentialSlice[T], fetch FetchRangeFunc[T], limit int) (*SequentialSlice[T], error) {
	gaps := slice.Gaps()
	if len(gaps) == 0 {
		return slice, nil
	}

	results := make([][]T, len(gaps))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, gap := range gaps {
		g.Go(func() error {
			entities, err := fetch(ctx, key, gap)
			if err != nil {
				return fmt.Errorf("failed to fetch %s=%v [%d, %d): %w", field, key, gap.Start, gap.End, err)
			}
			results[i] = entities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return slice, err
	}

	var fetched []T
	for _, entities := range results {
		fetched = append(fetched, entities...)
	}
	if err := c.SetAll(fetched); err != nil {
		return slice, err
	}

	filled, ok, err := c.GetGroupSlice(field, key, slice.SeqStart, slice.SeqEnd)
	if err != nil {
		return slice, err
	}
	if !ok {
		return slice, fmt.Errorf("group %s=%v is not initialized", field, key)
	}
	return filled, nil
}
