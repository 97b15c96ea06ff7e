package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

var _ transcription.Engine = (*Engine)(nil)

const defaultThreads = 4

// Engine runs whisper.cpp in process. The model is loaded once; every call
// gets its own context because contexts are not safe for concurrent use.
type Engine struct {
	model   whisperlib.Model
	threads uint
	logger  *slog.Logger

	closeOnce sync.Once
}

// Option is a functional option for configuring an Engine
type Option func(*Engine)

// WithThreads sets the number of CPU threads per call
func WithThreads(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.threads = uint(n)
		}
	}
}

// WithLogger sets the logger used for non-fatal parameter warnings
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New loads the model at modelPath. The caller must call Close.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:   model,
		threads: defaultThreads,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Transcribe implements transcription.Engine. whisper.cpp cannot be
// interrupted mid-inference, so ctx is only checked before starting.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, opts transcription.Options) ([]transcription.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if len(samples) == 0 {
		return nil, errors.New("whisper: no samples")
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	if opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			e.logger.Warn("whisper: failed to set language, using default",
				slog.String("language", opts.Language),
				slog.String("error", err.Error()))
		}
	}
	wctx.SetTranslate(opts.Translate)
	wctx.SetThreads(e.threads)
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	if opts.Temperature > 0 {
		wctx.SetTemperature(opts.Temperature)
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}
	wctx.SetTokenTimestamps(opts.WordTimestamps)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segments []transcription.Segment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}

		s := transcription.Segment{Text: text}
		if !opts.WithoutTimestamps {
			s.Start = segment.Start
			s.End = segment.End
		}
		segments = append(segments, s)
	}

	return segments, nil
}

// Close releases the model. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.model.Close()
	})
	return err
}
