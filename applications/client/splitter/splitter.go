package splitter

// DefaultChunkSize is the payload size of every chunk but the last.
const DefaultChunkSize = 1024 * 1024 // 1 MiB

type Chunk struct {
	Index   int
	Payload []byte
}

// Split partitions buf into ceil(len(buf)/size) chunks that share buf's
// memory. An empty buffer yields a single empty chunk. A non-positive size
// selects DefaultChunkSize.
func Split(buf []byte, size int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}

	sizes := calculatePartsSize(int64(len(buf)), int64(size))
	chunks := make([]Chunk, 0, len(sizes))

	var offset int64
	for i, partSize := range sizes {
		chunks = append(chunks, Chunk{
			Index:   i,
			Payload: buf[offset : offset+partSize : offset+partSize],
		})
		offset += partSize
	}

	return chunks
}

// Count returns how many chunks Split produces for n bytes.
func Count(n int64, size int) int {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if n == 0 {
		return 1
	}
	return int((n + int64(size) - 1) / int64(size))
}

func calculatePartsSize(total, chunkSize int64) []int64 {
	if total == 0 {
		return []int64{0}
	}

	result := make([]int64, 0, (total+chunkSize-1)/chunkSize)

	remain := total
	for remain > 0 {
		partSize := min(remain, chunkSize)
		result = append(result, partSize)
		remain -= partSize
	}

	return result
}
