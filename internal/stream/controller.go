package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/dispatch"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

var (
	// ErrNotRunning is returned when audio arrives outside a running session
	ErrNotRunning = errors.New("session is not running")
	// ErrAlreadyStarted is returned by Start unless the controller is idle
	ErrAlreadyStarted = errors.New("session already started")
)

const (
	// ArchiveDestination and ArchiveCollection name the full-session export
	ArchiveDestination = "web"
	ArchiveCollection  = "voice"

	defaultLivenessInterval = time.Second
)

// State is the session lifecycle position
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Ingestor is the entry point a transport feeds decoded audio into
type Ingestor interface {
	ProcessAudio(frame audio.Frame) error
	EndOfStream()
}

// Transport is a duplex channel: it feeds inbound audio to an Ingestor and
// publishes results back to its peer
type Transport interface {
	ResultSink
	Start(ctx context.Context, ingest Ingestor) error
	Stop() error
}

// Exporter persists the full-session audio
type Exporter interface {
	Write(destination, collection string, samples []float32) error
}

// DetectorFactory builds a fresh speech detector for each session so no
// recurrent state leaks between sessions
type DetectorFactory func() (audio.SpeechDetector, error)

// ControllerConfig contains the session settings fixed at construction
type ControllerConfig struct {
	Options          config.AppOptions
	Transcription    transcription.Options
	LivenessInterval time.Duration
}

// Dependencies are the collaborators a session is wired from. Transport
// and Exporter are only used when the options enable them.
type Dependencies struct {
	NewDetector DetectorFactory
	Engine      transcription.Engine
	Transport   Transport
	Exporter    Exporter
	Sinks       []ResultSink
	Output      io.Writer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// session holds everything built by one Start
type session struct {
	segmenter *audio.Segmenter
	queue     *dispatch.Queue[dispatch.Job]
	worker    *Worker
	transport Transport

	cancelWorker context.CancelFunc
	workerDone   chan struct{}
	startedAt    time.Time
}

// Controller owns the session lifecycle Idle -> Starting -> Running ->
// Stopping -> Idle and is the single ingestion point for audio.
type Controller struct {
	config ControllerConfig
	deps   Dependencies
	logger *slog.Logger

	state       State
	session     *session
	endOfStream chan struct{}

	// Statistics
	sessionsStarted uint64
	framesRejected  atomic.Uint64
	finalPasses     uint64
	lastSegmenter   audio.SegmenterStats
	lastWorker      WorkerStats

	mu sync.RWMutex
}

// ControllerStats represents session statistics
type ControllerStats struct {
	State           string               `json:"state"`
	SessionsStarted uint64               `json:"sessions_started"`
	FramesRejected  uint64               `json:"frames_rejected"`
	FinalPasses     uint64               `json:"final_passes"`
	QueueDepth      int                  `json:"queue_depth"`
	Uptime          string               `json:"uptime,omitempty"`
	Segmenter       audio.SegmenterStats `json:"segmenter"`
	Worker          WorkerStats          `json:"worker"`
}

// NewController validates the wiring. Nothing is built until Start.
func NewController(cfg ControllerConfig, deps Dependencies) (*Controller, error) {
	if deps.NewDetector == nil {
		return nil, fmt.Errorf("detector factory cannot be nil")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("transcription engine cannot be nil")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.Options.UseTransport && deps.Transport == nil {
		return nil, fmt.Errorf("transport is enabled but none was provided")
	}
	if cfg.Options.DequeueTimeout <= 0 {
		return nil, fmt.Errorf("dequeue timeout must be positive, got %v", cfg.Options.DequeueTimeout)
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Controller{
		config:      cfg,
		deps:        deps,
		logger:      deps.Logger,
		state:       StateIdle,
		endOfStream: make(chan struct{}, 1),
	}, nil
}

// Start builds the session components and begins the worker loop. On
// failure everything built so far is torn down and the controller is Idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.setState(StateStarting)
	c.mu.Unlock()

	// A stale end-of-stream signal must not stop the new session
	select {
	case <-c.endOfStream:
	default:
	}

	sess, err := c.build()
	if err != nil {
		c.mu.Lock()
		c.setState(StateIdle)
		c.mu.Unlock()

		c.logger.Error("Failed to start session",
			slog.String("stage", "session"),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to start session: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.cancelWorker = cancel
	go func() {
		defer close(sess.workerDone)
		sess.worker.Run(workerCtx)
	}()

	if sess.transport != nil {
		if err := sess.transport.Start(ctx, c); err != nil {
			cancel()
			<-sess.workerDone
			sess.queue.Close()

			c.mu.Lock()
			c.setState(StateIdle)
			c.mu.Unlock()

			c.logger.Error("Failed to start transport",
				slog.String("stage", "transport"),
				slog.String("error", err.Error()))
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	c.mu.Lock()
	c.session = sess
	c.sessionsStarted++
	c.setState(StateRunning)
	c.mu.Unlock()

	c.deps.Metrics.RecordSessionStarted()
	c.logger.Info("Session started",
		slog.Int("silence_limit", c.config.Options.SilenceLimit),
		slog.Int("noise_threshold", c.config.Options.NoiseThreshold),
		slog.Bool("include_non_speech", c.config.Options.IncludeNonSpeech),
		slog.Bool("create_audio_file", c.config.Options.CreateAudioFile),
		slog.Bool("use_transport", sess.transport != nil))

	return nil
}

// build constructs the detector, queue, segmenter and worker
func (c *Controller) build() (*session, error) {
	opts := c.config.Options

	detector, err := c.deps.NewDetector()
	if err != nil {
		return nil, fmt.Errorf("failed to create speech detector: %w", err)
	}

	queue := dispatch.NewQueue[dispatch.Job]()

	metered := &meteredQueue{
		queue:      queue,
		metrics:    c.deps.Metrics,
		logger:     c.logger,
		warnDepth:  opts.QueueWarnDepth,
		sampleRate: opts.SampleRate,
	}

	segmenter, err := audio.NewSegmenter(audio.SegmenterConfig{
		SilenceLimit:     opts.SilenceLimit,
		NoiseThreshold:   opts.NoiseThreshold,
		IncludeNonSpeech: opts.IncludeNonSpeech,
		RetainArchive:    opts.CreateAudioFile,
	}, &meteredDetector{detector: detector, metrics: c.deps.Metrics}, metered, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	sinks := make([]ResultSink, 0, len(c.deps.Sinks)+1)
	var transport Transport
	if opts.UseTransport {
		transport = c.deps.Transport
		sinks = append(sinks, transport)
	}
	sinks = append(sinks, c.deps.Sinks...)

	worker, err := NewWorker(WorkerConfig{
		Options:        c.config.Transcription,
		DequeueTimeout: opts.DequeueTimeout,
		SampleRate:     opts.SampleRate,
	}, metered, c.deps.Engine, sinks, c.deps.Output, c.deps.Metrics, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	return &session{
		segmenter:  segmenter,
		queue:      queue,
		worker:     worker,
		transport:  transport,
		workerDone: make(chan struct{}),
		startedAt:  time.Now(),
	}, nil
}

// ProcessAudio routes one frame through the segmenter. Frames from every
// producer go through here; the segmenter serializes them.
func (c *Controller) ProcessAudio(frame audio.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateRunning || c.session == nil {
		c.countRejected()
		return ErrNotRunning
	}

	outcome, err := c.session.segmenter.ProcessAudio(frame)
	if err != nil {
		stage := "segmenter"
		if errors.Is(err, vad.ErrInvalidFrame) {
			stage = "vad"
		}
		c.logger.Warn("Failed to process audio frame",
			slog.String("stage", stage),
			slog.Int("samples", len(frame)),
			slog.String("error", err.Error()))
		return err
	}

	if outcome == audio.OutcomeDiscarded {
		c.deps.Metrics.RecordSegmentDropped()
	}
	return nil
}

func (c *Controller) countRejected() {
	c.deps.Metrics.RecordFrameError()
	c.framesRejected.Add(1)
}

// EndOfStream signals that the peer finished sending. The Run loop
// performs the Stop so the transport handler never waits on itself.
func (c *Controller) EndOfStream() {
	select {
	case c.endOfStream <- struct{}{}:
	default:
	}
}

// Run blocks while the session is running. It returns after performing
// Stop on end-of-stream, with ctx.Err() when ctx is done, or with nil once
// another caller has stopped the session.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.endOfStream:
			c.logger.Info("End of stream received, stopping session")
			return c.Stop(context.WithoutCancel(ctx))
		case <-ticker.C:
			if c.State() != StateRunning {
				return nil
			}
		}
	}
}

// Stop ends the session: it stops accepting audio, cancels the worker,
// runs the final pass over the archive and closes the transport. Stop on a
// session that is not running is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateStopping)
	sess := c.session
	c.mu.Unlock()

	c.logger.Info("Stopping session")

	sess.cancelWorker()
	select {
	case <-sess.workerDone:
	case <-ctx.Done():
		c.logger.Warn("Worker did not stop before the deadline",
			slog.String("stage", "session"),
			slog.String("error", ctx.Err().Error()))
	}

	if dropped := sess.queue.Close(); len(dropped) > 0 {
		c.deps.Metrics.RecordJobsDroppedAtStop(len(dropped))
		c.logger.Warn("Dropped queued segments at stop",
			slog.String("stage", "queue"),
			slog.Int("jobs", len(dropped)))
	}
	c.deps.Metrics.SetQueueDepth(0)

	var finalErr error
	if c.config.Options.CreateAudioFile {
		finalErr = c.finalPass(ctx, sess)
	}

	if sess.transport != nil {
		if err := sess.transport.Stop(); err != nil {
			c.logger.Error("Failed to stop transport",
				slog.String("stage", "transport"),
				slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	c.lastSegmenter = sess.segmenter.GetStats()
	c.lastWorker = sess.worker.GetStats()
	c.session = nil
	c.setState(StateIdle)
	c.mu.Unlock()

	c.logger.Info("Session stopped", slog.Duration("duration", time.Since(sess.startedAt)))
	return finalErr
}

// finalPass exports the archive and transcribes it once with timings on
func (c *Controller) finalPass(ctx context.Context, sess *session) error {
	if pending := sess.segmenter.FlushPendingToArchive(); pending > 0 {
		c.logger.Debug("Moved open segment into archive", slog.Int("frames", pending))
	}

	samples := sess.segmenter.DrainArchive()
	if len(samples) == 0 {
		return nil
	}

	c.mu.Lock()
	c.finalPasses++
	c.mu.Unlock()

	if c.deps.Exporter != nil {
		if err := c.deps.Exporter.Write(ArchiveDestination, ArchiveCollection, samples); err != nil {
			c.logger.Error("Failed to export session audio",
				slog.String("stage", "export"),
				slog.String("error", err.Error()))
		}
	}

	if _, err := sess.worker.TranscribeFinal(ctx, samples); err != nil {
		c.logger.Error("Final transcription pass failed",
			slog.String("stage", "worker"),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// setState is called with c.mu held
func (c *Controller) setState(state State) {
	c.state = state
	c.deps.Metrics.SetSessionState(int(state))
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns current session statistics. Between sessions the
// segmenter and worker figures are those of the last session.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ControllerStats{
		State:           c.state.String(),
		SessionsStarted: c.sessionsStarted,
		FramesRejected:  c.framesRejected.Load(),
		FinalPasses:     c.finalPasses,
		Segmenter:       c.lastSegmenter,
		Worker:          c.lastWorker,
	}

	if c.session != nil {
		stats.QueueDepth = c.session.queue.Len()
		stats.Uptime = time.Since(c.session.startedAt).String()
		stats.Segmenter = c.session.segmenter.GetStats()
		stats.Worker = c.session.worker.GetStats()
	}
	return stats
}

// meteredDetector records every frame decision
type meteredDetector struct {
	detector audio.SpeechDetector
	metrics  *metrics.Metrics
}

func (d *meteredDetector) Score(frame []float32, state vad.SpeechState) (bool, vad.SpeechState, error) {
	isSpeech, next, err := d.detector.Score(frame, state)
	if err != nil {
		d.metrics.RecordFrameError()
		return false, state, err
	}
	d.metrics.RecordFrame(isSpeech)
	return isSpeech, next, nil
}

// meteredQueue observes queue depth on both ends. The queue stays
// unbounded: crossing warnDepth only logs.
type meteredQueue struct {
	queue      *dispatch.Queue[dispatch.Job]
	metrics    *metrics.Metrics
	logger     *slog.Logger
	warnDepth  int
	sampleRate int
}

func (q *meteredQueue) Enqueue(job dispatch.Job) (int, error) {
	depth, err := q.queue.Enqueue(job)
	if err != nil {
		q.logger.Error("Failed to enqueue segment",
			slog.String("stage", "queue"),
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return depth, err
	}

	q.metrics.RecordSegmentFlushed(job.Duration(q.sampleRate).Seconds())
	q.metrics.SetQueueDepth(depth)

	if q.warnDepth > 0 && depth == q.warnDepth {
		q.logger.Warn("Transcription queue is backing up",
			slog.String("stage", "queue"),
			slog.Int("depth", depth))
	}
	return depth, nil
}

func (q *meteredQueue) Dequeue(ctx context.Context, timeout time.Duration) (dispatch.Job, bool) {
	job, ok := q.queue.Dequeue(ctx, timeout)
	if ok {
		q.metrics.SetQueueDepth(q.queue.Len())
	}
	return job, ok
}
