// Package chunk splits large inputs into fixed-size byte ranges and
// processes them concurrently while yielding to system backpressure.
package chunk

import (
	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// Plan partitions [0, total) into consecutive chunks of size bytes; the last
// chunk holds the remainder. Returns nil when total <= 0 or size <= 0.
func Plan(total, size int64) []types.Chunk {
	if total <= 0 || size <= 0 {
		return nil
	}

	n := (total + size - 1) / size
	chunks := make([]types.Chunk, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * size
		end := start + size
		if end > total {
			end = total
		}
		chunks = append(chunks, types.Chunk{
			ID:    int(i),
			Start: start,
			End:   end,
			Size:  end - start,
		})
	}
	return chunks
}
