package transcription

import (
	"context"
	"time"
)

// Engine converts mono float samples into text segments. Implementations
// may block for a long time and must honour ctx cancellation where the
// underlying engine allows it.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error)
}

// Segment is one span of transcribed text with its offset in the input audio
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Options are the per-call model hyper-parameters
type Options struct {
	Language          string
	Translate         bool
	BeamSize          int
	Temperature       float32
	InitialPrompt     string
	WithoutTimestamps bool
	WordTimestamps    bool
}

// Streaming returns a copy of o with the timing features disabled, as used
// for per-utterance calls
func (o Options) Streaming() Options {
	o.WithoutTimestamps = true
	o.WordTimestamps = false
	return o
}

// Final returns a copy of o with segment and word timings enabled, as used
// for the end-of-session pass
func (o Options) Final() Options {
	o.WithoutTimestamps = false
	o.WordTimestamps = true
	return o
}

// Task returns the task name understood by HTTP engines
func (o Options) Task() string {
	if o.Translate {
		return "translate"
	}
	return "transcribe"
}
