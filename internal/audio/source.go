package audio

import (
	"context"
	"fmt"
	"os"
	"time"
)

// FileSource replays a WAV file as a sequence of fixed-size frames
type FileSource struct {
	samples    []float32
	frameSize  int
	sampleRate int
	realtime   bool
}

// OpenFileSource decodes the WAV file at path. The file's sample rate must
// match sampleRate; no resampling is done.
func OpenFileSource(path string, frameSize, sampleRate int, realtime bool) (*FileSource, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	samples, info, err := DecodeWAV(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if info.SampleRate != sampleRate {
		return nil, fmt.Errorf("%s has sample rate %d, expected %d", path, info.SampleRate, sampleRate)
	}

	return &FileSource{
		samples:    samples,
		frameSize:  frameSize,
		sampleRate: sampleRate,
		realtime:   realtime,
	}, nil
}

// NewSampleSource wraps in-memory samples
func NewSampleSource(samples []float32, frameSize, sampleRate int) *FileSource {
	return &FileSource{samples: samples, frameSize: frameSize, sampleRate: sampleRate}
}

// Frames returns the number of whole frames; a trailing partial frame is
// zero padded
func (s *FileSource) Frames() int {
	return (len(s.samples) + s.frameSize - 1) / s.frameSize
}

// Run calls emit for each frame in order. In realtime mode frames are paced
// at the rate they would arrive from a capture device. It stops at the
// first emit error or when ctx is done.
func (s *FileSource) Run(ctx context.Context, emit func(Frame) error) error {
	var ticker *time.Ticker
	if s.realtime {
		interval := time.Duration(s.frameSize) * time.Second / time.Duration(s.sampleRate)
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for offset := 0; offset < len(s.samples); offset += s.frameSize {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		frame := make(Frame, s.frameSize)
		copy(frame, s.samples[offset:min(offset+s.frameSize, len(s.samples))])

		if err := emit(frame); err != nil {
			return err
		}
	}

	return nil
}
