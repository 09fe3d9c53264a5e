package pipeline

import "github.com/insightos/leadscore/internal/lead"

// ChunkCount returns ceil(total/size). A non-positive size yields 0.
func ChunkCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Partition splits leads into contiguous chunks of at most size leads. The
// chunks share the snapshot's backing array and must not be appended to.
func Partition(leads []lead.Lead, size int) [][]lead.Lead {
	n := ChunkCount(len(leads), size)
	if n == 0 {
		return nil
	}
	chunks := make([][]lead.Lead, 0, n)
	for start := 0; start < len(leads); start += size {
		end := min(start+size, len(leads))
		chunks = append(chunks, leads[start:end:end])
	}
	return chunks
}
