package session

// DefaultChunkSize is 50 ms of 16 kHz mono 16-bit audio.
const DefaultChunkSize = 1600

// StreamBuffer accumulates resampled audio and hands it out in fixed-size,
// sample-aligned chunks. It belongs to the upstream->client pipeline and is
// not safe for concurrent use.
type StreamBuffer struct {
	buf       []byte
	chunkSize int
	discarded int
}

// NewStreamBuffer creates a buffer that emits chunkSize-byte chunks
func NewStreamBuffer(chunkSize int) *StreamBuffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamBuffer{
		buf:       make([]byte, 0, chunkSize*4),
		chunkSize: chunkSize,
	}
}

// Append adds audio to the tail of the buffer
func (sb *StreamBuffer) Append(p []byte) {
	sb.buf = append(sb.buf, p...)
}

// Next removes and returns one chunk while at least chunkSize bytes are
// buffered. A chunk of odd length would split a sample and is dropped.
func (sb *StreamBuffer) Next() ([]byte, bool) {
	for len(sb.buf) >= sb.chunkSize {
		chunk := sb.take(sb.chunkSize)
		if len(chunk)%2 != 0 {
			sb.discarded += len(chunk)
			continue
		}
		return chunk, true
	}
	return nil, false
}

// Flush empties the buffer. The remainder is returned only when it is
// non-empty and holds whole samples; an odd remainder is dropped.
func (sb *StreamBuffer) Flush() ([]byte, bool) {
	rest := sb.take(len(sb.buf))
	sb.buf = sb.buf[:0]
	if len(rest) == 0 {
		return nil, false
	}
	if len(rest)%2 != 0 {
		sb.discarded += len(rest)
		return nil, false
	}
	return rest, true
}

// Len returns the number of buffered bytes
func (sb *StreamBuffer) Len() int {
	return len(sb.buf)
}

// Discarded returns the total bytes dropped to keep sample alignment
func (sb *StreamBuffer) Discarded() int {
	return sb.discarded
}

// take copies n bytes off the head so callers may keep the chunk while the
// buffer is reused.
func (sb *StreamBuffer) take(n int) []byte {
	chunk := make([]byte, n)
	copy(chunk, sb.buf[:n])
	remaining := copy(sb.buf, sb.buf[n:])
	sb.buf = sb.buf[:remaining]
	return chunk
}
