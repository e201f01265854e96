package chunk

// WriteCtx describes the portion of a file-level write that lands in one
// chunk: the absolute file offset it starts at, which chunk it targets,
// the write's offset within that chunk, how many bytes land there, and
// where in the caller's buffer those bytes start.
type WriteCtx struct {
	FileOffset   int64
	ChunkIndex   int64
	ChunkOffset  int64
	NeedWriteLen int64
	BufStartAt   int64
}

// ChunkIndexOf returns the chunk a given file offset falls in.
func ChunkIndexOf(offset, chunkSize int64) int64 {
	return offset / chunkSize
}

// LocateChunk partitions a write of length n starting at offset into one
// WriteCtx per chunk it touches. The returned contexts, in order, exactly
// partition [offset, offset+n) and each fits within a single chunk.
func LocateChunk(chunkSize, offset, n int64) []WriteCtx {
	if n <= 0 {
		return nil
	}

	var ctxs []WriteCtx
	remaining := n
	cur := offset
	bufStart := int64(0)

	for remaining > 0 {
		chunkIdx := ChunkIndexOf(cur, chunkSize)
		chunkOffset := cur - chunkIdx*chunkSize
		avail := chunkSize - chunkOffset
		writeLen := remaining
		if writeLen > avail {
			writeLen = avail
		}

		ctxs = append(ctxs, WriteCtx{
			FileOffset:   cur,
			ChunkIndex:   chunkIdx,
			ChunkOffset:  chunkOffset,
			NeedWriteLen: writeLen,
			BufStartAt:   bufStart,
		})

		cur += writeLen
		bufStart += writeLen
		remaining -= writeLen
	}

	return ctxs
}
