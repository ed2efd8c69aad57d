package audio

// Chunker regroups a stream of samples into fixed-size chunks. It is not safe
// for concurrent use.
type Chunker struct {
	size int
	buf  []float32
}

// NewChunker returns a Chunker emitting chunks of size samples.
func NewChunker(size int) *Chunker {
	return &Chunker{size: size, buf: make([]float32, 0, size)}
}

// Push appends samples and returns every complete chunk now available. Each
// returned chunk is a fresh slice owned by the caller.
func (c *Chunker) Push(samples []float32) [][]float32 {
	var chunks [][]float32
	for len(samples) > 0 {
		take := min(c.size-len(c.buf), len(samples))
		c.buf = append(c.buf, samples[:take]...)
		samples = samples[take:]
		if len(c.buf) == c.size {
			chunks = append(chunks, c.buf)
			c.buf = make([]float32, 0, c.size)
		}
	}
	return chunks
}

// Reset drops any partially filled chunk.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
}
