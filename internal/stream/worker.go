package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/dispatch"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// ResultSink receives every transcribed segment in production order
type ResultSink interface {
	Publish(ctx context.Context, result dispatch.Result) error
}

// JobSource is the consumer side of the dispatch queue
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (dispatch.Job, bool)
}

// WorkerConfig contains transcription worker configuration
type WorkerConfig struct {
	Options        transcription.Options // session options, mode is forced per call
	DequeueTimeout time.Duration
	SampleRate     int
}

// Worker is the single consumer of the dispatch queue. It runs the engine
// off the ingestion path and fans results out to the sinks.
type Worker struct {
	config  WorkerConfig
	source  JobSource
	engine  transcription.Engine
	sinks   []ResultSink
	output  io.Writer
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Statistics
	jobsProcessed    uint64
	jobsFailed       uint64
	resultsPublished uint64
	publishErrors    uint64
	totalTime        time.Duration
	lastJobAt        time.Time

	mu       sync.RWMutex
	outputMu sync.Mutex
}

// WorkerStats represents worker statistics
type WorkerStats struct {
	JobsProcessed    uint64        `json:"jobs_processed"`
	JobsFailed       uint64        `json:"jobs_failed"`
	ResultsPublished uint64        `json:"results_published"`
	PublishErrors    uint64        `json:"publish_errors"`
	TotalTime        time.Duration `json:"total_transcription_time"`
	LastJobAt        time.Time     `json:"last_job_at,omitempty"`
}

// NewWorker creates a worker. output receives one JSON result line per
// segment and may be nil.
func NewWorker(config WorkerConfig, source JobSource, engine transcription.Engine,
	sinks []ResultSink, output io.Writer, m *metrics.Metrics, logger *slog.Logger) (*Worker, error) {

	if source == nil {
		return nil, fmt.Errorf("job source cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("transcription engine cannot be nil")
	}
	if config.DequeueTimeout <= 0 {
		return nil, fmt.Errorf("dequeue timeout must be positive, got %v", config.DequeueTimeout)
	}

	return &Worker{
		config:  config,
		source:  source,
		engine:  engine,
		sinks:   sinks,
		output:  output,
		metrics: m,
		logger:  logger,
	}, nil
}

// Run consumes jobs until ctx is cancelled. Cancellation is observed at
// the latest one dequeue timeout after it is requested.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("Transcription worker started",
		slog.Duration("dequeue_timeout", w.config.DequeueTimeout))

	for ctx.Err() == nil {
		job, ok := w.source.Dequeue(ctx, w.config.DequeueTimeout)
		if !ok {
			continue
		}
		w.process(ctx, job)
	}

	w.logger.Debug("Transcription worker stopped")
}

// process transcribes one job. Engine failures are logged and the job is
// dropped; they never stop the loop.
func (w *Worker) process(ctx context.Context, job dispatch.Job) {
	startedAt := time.Now()
	w.metrics.RecordTranscriptionStart(startedAt.Sub(job.EnqueuedAt).Seconds())

	w.logger.Debug("Transcription started",
		slog.String("job_id", job.ID.String()),
		slog.Int("frames", job.Frames),
		slog.Duration("audio_duration", job.Duration(w.config.SampleRate)),
		slog.Duration("queue_wait", startedAt.Sub(job.EnqueuedAt)))

	segments, err := w.engine.Transcribe(ctx, job.Samples, w.config.Options.Streaming())
	elapsed := time.Since(startedAt)

	if err != nil {
		w.recordJob(elapsed, false)
		w.metrics.RecordTranscriptionFailure(elapsed.Seconds())

		if errors.Is(err, context.Canceled) {
			w.logger.Info("Transcription cancelled",
				slog.String("stage", "worker"),
				slog.String("job_id", job.ID.String()))
			return
		}
		w.logger.Error("Transcription failed",
			slog.String("stage", "worker"),
			slog.String("job_id", job.ID.String()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return
	}

	w.recordJob(elapsed, true)
	w.metrics.RecordTranscriptionSuccess(elapsed.Seconds(), len(segments))

	for _, segment := range segments {
		w.publish(ctx, dispatch.Result{
			JobID: job.ID,
			Time:  startedAt,
			Text:  segment.Text,
			Start: segment.Start,
			End:   segment.End,
		})
	}

	w.logger.Info("Transcription finished",
		slog.String("job_id", job.ID.String()),
		slog.String("started_at", startedAt.Format(protocol.TimeLayout)),
		slog.String("finished_at", time.Now().Format(protocol.TimeLayout)),
		slog.Duration("elapsed", elapsed),
		slog.Int("segments", len(segments)))
}

// TranscribeFinal runs the end-of-session pass over samples with timings
// enabled and publishes its segments. It returns the number of segments.
func (w *Worker) TranscribeFinal(ctx context.Context, samples []float32) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	startedAt := time.Now()
	w.metrics.RecordTranscriptionStart(0)

	segments, err := w.engine.Transcribe(ctx, samples, w.config.Options.Final())
	elapsed := time.Since(startedAt)
	if err != nil {
		w.recordJob(elapsed, false)
		w.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		return 0, fmt.Errorf("final transcription failed: %w", err)
	}

	w.recordJob(elapsed, true)
	w.metrics.RecordTranscriptionSuccess(elapsed.Seconds(), len(segments))

	for _, segment := range segments {
		w.publish(ctx, dispatch.Result{
			Time:  startedAt,
			Text:  segment.Text,
			Start: segment.Start,
			End:   segment.End,
			Final: true,
		})
	}

	w.logger.Info("Final transcription finished",
		slog.Duration("audio_duration", time.Duration(len(samples))*time.Second/time.Duration(max(w.config.SampleRate, 1))),
		slog.Duration("elapsed", elapsed),
		slog.Int("segments", len(segments)))

	return len(segments), nil
}

// publish prints the result locally and hands it to every sink
func (w *Worker) publish(ctx context.Context, result dispatch.Result) {
	if w.output != nil {
		line, err := protocol.MarshalResult(result.Time, result.Text)
		if err == nil {
			w.outputMu.Lock()
			fmt.Fprintln(w.output, string(line))
			w.outputMu.Unlock()
		}
	}

	for _, sink := range w.sinks {
		if err := sink.Publish(ctx, result); err != nil {
			w.mu.Lock()
			w.publishErrors++
			w.mu.Unlock()

			w.logger.Warn("Failed to publish result",
				slog.String("stage", "worker"),
				slog.String("job_id", result.JobID.String()),
				slog.String("error", err.Error()))
		}
	}

	w.mu.Lock()
	w.resultsPublished++
	w.mu.Unlock()
}

func (w *Worker) recordJob(elapsed time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ok {
		w.jobsProcessed++
	} else {
		w.jobsFailed++
	}
	w.totalTime += elapsed
	w.lastJobAt = time.Now()
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return WorkerStats{
		JobsProcessed:    w.jobsProcessed,
		JobsFailed:       w.jobsFailed,
		ResultsPublished: w.resultsPublished,
		PublishErrors:    w.publishErrors,
		TotalTime:        w.totalTime,
		LastJobAt:        w.lastJobAt,
	}
}
