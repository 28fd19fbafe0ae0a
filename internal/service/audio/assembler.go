package audio

import "errors"

// ErrInvalidChunkSize is returned for a non-positive chunk size.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunk is one fixed-size window of the call audio, handed to transcription
// exactly once.
type Chunk struct {
	Seq    int    // 0-based position in the call
	Offset int64  // byte offset of Data within the call stream
	Data   []byte // owned by the chunk
}

// Assembler accumulates inbound bytes and yields fixed-size chunks in order.
// Not safe for concurrent use; the owning session serializes access.
type Assembler struct {
	size     int
	buf      []byte
	nextSeq  int
	consumed int64
}

// NewAssembler creates an assembler yielding chunks of size bytes.
func NewAssembler(size int) (*Assembler, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	return &Assembler{size: size}, nil
}

// Size returns the chunk size in bytes.
func (a *Assembler) Size() int {
	return a.size
}

// Append adds p to the buffer and returns every complete chunk now
// available. The partial remainder stays buffered.
func (a *Assembler) Append(p []byte) []Chunk {
	a.buf = append(a.buf, p...)
	if len(a.buf) < a.size {
		return nil
	}

	n := len(a.buf) / a.size
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		data := make([]byte, a.size)
		copy(data, a.buf[i*a.size:(i+1)*a.size])
		chunks = append(chunks, Chunk{
			Seq:    a.nextSeq,
			Offset: a.consumed,
			Data:   data,
		})
		a.nextSeq++
		a.consumed += int64(a.size)
	}

	// Compact so the backing array does not grow with the call.
	rest := len(a.buf) - n*a.size
	copy(a.buf, a.buf[n*a.size:])
	a.buf = a.buf[:rest]
	return chunks
}

// Buffered returns the number of bytes waiting for a full chunk.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Flush removes and returns the partial remainder, or nil when empty.
func (a *Assembler) Flush() []byte {
	if len(a.buf) == 0 {
		return nil
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	a.consumed += int64(len(out))
	a.buf = a.buf[:0]
	return out
}
