package util

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

// PMap calls fn for every item with at most concurrency calls in flight.
// The first error cancels the context passed to the remaining calls and is returned.
// A concurrency <= 0 means no limit.
//
// Items are started in slice order, but may complete in any order.
func PMap[T any](ctx context.Context, items []T, concurrency int, fn func(ctx context.Context, item T) error) error {
	if len(items) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, item := range items {
		// stop scheduling once a call failed or the caller gave up
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, item)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Chunk splits items into consecutive slices of at most size elements.
// The chunks share the backing array of items.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// --------------------------------------------------------------------------
// Formatting
// --------------------------------------------------------------------------

// FormatBytes renders a byte count with a binary unit (e.g. 1536 -> "1.5KiB")
func FormatBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	v := float64(n) / float64(div)
	if v == float64(int(v)) {
		return fmt.Sprintf("%d%ciB", int(v), "KMGTPE"[exp])
	}
	return fmt.Sprintf("%.1f%ciB", v, "KMGTPE"[exp])
}
