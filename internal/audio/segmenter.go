package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/stream-transcriber/internal/dispatch"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

// SegmentState is the segmenter's position in the utterance state machine
type SegmentState int

const (
	StateSilence SegmentState = iota
	StateAccumulating
)

// String returns the state name
func (s SegmentState) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateAccumulating:
		return "accumulating"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Outcome describes what one frame did to the segmenter
type Outcome int

const (
	// OutcomeAppended means the frame was added to the pending segment
	OutcomeAppended Outcome = iota + 1
	// OutcomeSkipped means a non-speech frame was dropped
	OutcomeSkipped
	// OutcomeFlushed means the pending segment was enqueued as a job
	OutcomeFlushed
	// OutcomeDiscarded means the pending segment was too short and dropped
	OutcomeDiscarded
)

// SpeechDetector scores one frame given the prior recurrent state
type SpeechDetector interface {
	Score(frame []float32, state vad.SpeechState) (bool, vad.SpeechState, error)
}

// JobQueue receives closed segments
type JobQueue interface {
	Enqueue(job dispatch.Job) (int, error)
}

// SegmenterConfig contains the frame-count gates of the state machine
type SegmenterConfig struct {
	SilenceLimit     int  // non-speech frames tolerated before closing an utterance
	NoiseThreshold   int  // a closed segment must have more frames than this
	IncludeNonSpeech bool // keep non-speech frames inside the segment
	RetainArchive    bool // keep every retained frame for the end-of-session pass
}

// Segmenter accumulates speech frames into utterances. All entry points
// are serialized by one lock, so frames from different producers never
// interleave their mutation of the pending segment.
type Segmenter struct {
	config   SegmenterConfig
	detector SpeechDetector
	queue    JobQueue
	logger   *slog.Logger

	speech       vad.SpeechState
	pending      *Buffer
	archive      *Buffer
	silenceCount int
	state        SegmentState

	// Statistics
	framesProcessed uint64
	speechFrames    uint64
	jobsEnqueued    uint64
	segmentsDropped uint64

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string `json:"state"`
	FramesProcessed uint64 `json:"frames_processed"`
	SpeechFrames    uint64 `json:"speech_frames"`
	JobsEnqueued    uint64 `json:"jobs_enqueued"`
	SegmentsDropped uint64 `json:"segments_dropped"`
	PendingFrames   int    `json:"pending_frames"`
	ArchivedFrames  int    `json:"archived_frames"`
}

// NewSegmenter creates a segmenter in the Silence state with a fresh
// speech state
func NewSegmenter(config SegmenterConfig, detector SpeechDetector, queue JobQueue, logger *slog.Logger) (*Segmenter, error) {
	if config.SilenceLimit < 0 {
		return nil, fmt.Errorf("silence limit cannot be negative, got %d", config.SilenceLimit)
	}
	if config.NoiseThreshold < 0 {
		return nil, fmt.Errorf("noise threshold cannot be negative, got %d", config.NoiseThreshold)
	}
	if detector == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}

	return &Segmenter{
		config:   config,
		detector: detector,
		queue:    queue,
		logger:   logger,
		pending:  NewBuffer(64),
		archive:  NewBuffer(1024),
		state:    StateSilence,
	}, nil
}

// ProcessAudio scores one frame and advances the state machine. A scoring
// failure is returned without touching the segment.
func (s *Segmenter) ProcessAudio(frame Frame) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	isSpeech, next, err := s.detector.Score(frame, s.speech)
	if err != nil {
		return 0, err
	}
	s.speech = next

	return s.observe(frame, isSpeech)
}

// observe advances the state machine with a labelled frame. Caller holds s.mu.
func (s *Segmenter) observe(frame Frame, isSpeech bool) (Outcome, error) {
	s.framesProcessed++

	if isSpeech {
		s.speechFrames++
		s.silenceCount = 0
		s.pending.Append(frame)
		s.state = StateAccumulating
		return OutcomeAppended, nil
	}

	s.silenceCount++
	outcome := OutcomeSkipped
	if s.config.IncludeNonSpeech {
		s.pending.Append(frame)
		outcome = OutcomeAppended
	}

	if s.silenceCount <= s.config.SilenceLimit {
		return outcome, nil
	}

	return s.flush()
}

// flush closes the pending segment. Caller holds s.mu.
func (s *Segmenter) flush() (Outcome, error) {
	s.silenceCount = 0
	s.state = StateSilence

	if s.config.RetainArchive {
		s.archive.AppendBuffer(s.pending)
	}

	frames := s.pending.Len()
	if frames <= s.config.NoiseThreshold {
		s.pending.Reset()
		if frames == 0 {
			return OutcomeSkipped, nil
		}
		s.segmentsDropped++
		s.logger.Debug("Discarded short segment",
			slog.Int("frames", frames),
			slog.Int("noise_threshold", s.config.NoiseThreshold))
		return OutcomeDiscarded, nil
	}

	job := dispatch.NewJob(s.pending.Samples(), frames)
	s.pending.Reset()

	depth, err := s.queue.Enqueue(job)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	s.jobsEnqueued++

	s.logger.Debug("Enqueued segment",
		slog.String("job_id", job.ID.String()),
		slog.Int("frames", frames),
		slog.Int("queue_depth", depth))

	return OutcomeFlushed, nil
}

// FlushPendingToArchive moves a never-closed segment into the archive so
// the end-of-session pass still hears it. It is a no-op without retention.
func (s *Segmenter) FlushPendingToArchive() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := s.pending.Len()
	if s.config.RetainArchive {
		s.archive.AppendBuffer(s.pending)
	}
	s.pending.Reset()
	s.silenceCount = 0
	s.state = StateSilence
	return frames
}

// DrainArchive returns the archived samples and empties the archive
func (s *Segmenter) DrainArchive() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.archive.Len() == 0 {
		return nil
	}
	samples := s.archive.Samples()
	s.archive.Reset()
	return samples
}

// State returns the current state machine position
func (s *Segmenter) State() SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		State:           s.state.String(),
		FramesProcessed: s.framesProcessed,
		SpeechFrames:    s.speechFrames,
		JobsEnqueued:    s.jobsEnqueued,
		SegmentsDropped: s.segmentsDropped,
		PendingFrames:   s.pending.Len(),
		ArchivedFrames:  s.archive.Len(),
	}
}
