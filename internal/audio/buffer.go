package audio

// Frame is one fixed-size chunk of mono float samples
type Frame []float32

// Buffer is an ordered, growable sequence of frames. It backs both the
// pending segment and the session archive. It is not safe for concurrent
// use; the owning Segmenter serializes access.
type Buffer struct {
	frames  []Frame
	samples int
}

// NewBuffer creates an empty buffer with room for capacity frames
func NewBuffer(capacity int) *Buffer {
	return &Buffer{frames: make([]Frame, 0, capacity)}
}

// Append adds a frame to the end of the buffer
func (b *Buffer) Append(frame Frame) {
	b.frames = append(b.frames, frame)
	b.samples += len(frame)
}

// AppendBuffer adds every frame of other, in order
func (b *Buffer) AppendBuffer(other *Buffer) {
	b.frames = append(b.frames, other.frames...)
	b.samples += other.samples
}

// Len returns the number of frames
func (b *Buffer) Len() int {
	return len(b.frames)
}

// SampleCount returns the total number of samples across all frames
func (b *Buffer) SampleCount() int {
	return b.samples
}

// Samples concatenates all frames into one newly allocated slice
func (b *Buffer) Samples() []float32 {
	out := make([]float32, 0, b.samples)
	for _, f := range b.frames {
		out = append(out, f...)
	}
	return out
}

// Reset clears the buffer, keeping its capacity
func (b *Buffer) Reset() {
	clear(b.frames)
	b.frames = b.frames[:0]
	b.samples = 0
}
