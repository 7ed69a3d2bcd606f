package audio

import "time"

// Chunker slices a continuous sample stream into fixed-duration chunks.
type Chunker struct {
	size int
	buf  []float32
}

func NewChunker(rate int, d time.Duration) *Chunker {
	size := int(int64(rate) * int64(d) / int64(time.Second))
	if size < 1 {
		size = 1
	}
	return &Chunker{size: size}
}

func (c *Chunker) Size() int { return c.size }

// Push appends samples and returns every complete chunk now available.
func (c *Chunker) Push(samples []float32) [][]float32 {
	c.buf = append(c.buf, samples...)

	var chunks [][]float32
	for len(c.buf) >= c.size {
		chunk := make([]float32, c.size)
		copy(chunk, c.buf[:c.size])
		c.buf = c.buf[c.size:]
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Flush returns whatever partial chunk is buffered.
func (c *Chunker) Flush() []float32 {
	if len(c.buf) == 0 {
		return nil
	}
	tail := c.buf
	c.buf = nil
	return tail
}
