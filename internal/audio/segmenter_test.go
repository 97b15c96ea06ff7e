package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/skypro1111/stream-transcriber/internal/dispatch"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (q *recordingQueue) Enqueue(job dispatch.Job) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.jobs = append(q.jobs, job)
	return len(q.jobs), nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// labelDetector reads the decision from the first sample and counts calls
// in the returned state
type labelDetector struct {
	err error
}

func (d *labelDetector) Score(frame []float32, state vad.SpeechState) (bool, vad.SpeechState, error) {
	if d.err != nil {
		return false, state, d.err
	}
	next := state
	next.H[0]++
	return frame[0] > 0, next, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func speechFrame(marker float32) Frame {
	return Frame{1, marker}
}

func silenceFrame() Frame {
	return Frame{0, 0}
}

func newTestSegmenter(t *testing.T, config SegmenterConfig) (*Segmenter, *recordingQueue) {
	t.Helper()
	queue := &recordingQueue{}
	segmenter, err := NewSegmenter(config, &labelDetector{}, queue, testLogger())
	if err != nil {
		t.Fatalf("Failed to create segmenter: %v", err)
	}
	return segmenter, queue
}

func defaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SilenceLimit:   8,
		NoiseThreshold: 5,
		RetainArchive:  true,
	}
}

func TestNewSegmenterValidation(t *testing.T) {
	tests := []struct {
		name     string
		config   SegmenterConfig
		detector SpeechDetector
		queue    JobQueue
	}{
		{"negative silence limit", SegmenterConfig{SilenceLimit: -1}, &labelDetector{}, &recordingQueue{}},
		{"negative noise threshold", SegmenterConfig{NoiseThreshold: -1}, &labelDetector{}, &recordingQueue{}},
		{"nil detector", SegmenterConfig{}, nil, &recordingQueue{}},
		{"nil queue", SegmenterConfig{}, &labelDetector{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSegmenter(tt.config, tt.detector, tt.queue, testLogger()); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestSegmenterAllSpeechNeverFlushes(t *testing.T) {
	segmenter, queue := newTestSegmenter(t, defaultSegmenterConfig())

	for i := 0; i < 100; i++ {
		outcome, err := segmenter.ProcessAudio(speechFrame(float32(i)))
		if err != nil {
			t.Fatalf("ProcessAudio failed: %v", err)
		}
		if outcome != OutcomeAppended {
			t.Fatalf("Frame %d: expected OutcomeAppended, got %d", i, outcome)
		}
	}

	if queue.count() != 0 {
		t.Errorf("Expected no jobs before stop, got %d", queue.count())
	}
	if segmenter.State() != StateAccumulating {
		t.Errorf("Expected accumulating state, got %s", segmenter.State())
	}

	// Stop moves the open utterance into the archive for the final pass.
	if moved := segmenter.FlushPendingToArchive(); moved != 100 {
		t.Errorf("Expected 100 pending frames moved, got %d", moved)
	}
	archive := segmenter.DrainArchive()
	if len(archive) != 200 {
		t.Errorf("Expected 200 archived samples, got %d", len(archive))
	}
	if queue.count() != 0 {
		t.Errorf("Expected no jobs after stop, got %d", queue.count())
	}
}

func TestSegmenterAlternatingBursts(t *testing.T) {
	segmenter, queue := newTestSegmenter(t, defaultSegmenterConfig())

	for round := 0; round < 3; round++ {
		for i := 0; i < 6; i++ {
			if _, err := segmenter.ProcessAudio(speechFrame(float32(round*10 + i))); err != nil {
				t.Fatalf("ProcessAudio failed: %v", err)
			}
		}
		for i := 0; i < 9; i++ {
			outcome, err := segmenter.ProcessAudio(silenceFrame())
			if err != nil {
				t.Fatalf("ProcessAudio failed: %v", err)
			}
			if i < 8 && outcome != OutcomeSkipped {
				t.Errorf("Round %d silence %d: expected OutcomeSkipped, got %d", round, i, outcome)
			}
			if i == 8 && outcome != OutcomeFlushed {
				t.Errorf("Round %d: expected flush on the ninth silence frame, got %d", round, outcome)
			}
		}
	}

	if len(queue.jobs) != 3 {
		t.Fatalf("Expected 3 jobs, got %d", len(queue.jobs))
	}

	for round, job := range queue.jobs {
		if job.Frames != 6 {
			t.Errorf("Job %d: expected 6 frames, got %d", round, job.Frames)
		}
		if len(job.Samples) != 12 {
			t.Errorf("Job %d: expected 12 samples, got %d", round, len(job.Samples))
		}
		// Markers sit at odd indices and must arrive in order.
		for i := 0; i < 6; i++ {
			if job.Samples[2*i+1] != float32(round*10+i) {
				t.Errorf("Job %d frame %d out of order", round, i)
			}
		}
	}

	if segmenter.State() != StateSilence {
		t.Errorf("Expected silence state, got %s", segmenter.State())
	}
}

func TestSegmenterShortBurstDiscarded(t *testing.T) {
	segmenter, queue := newTestSegmenter(t, defaultSegmenterConfig())

	for i := 0; i < 3; i++ {
		segmenter.ProcessAudio(speechFrame(1))
	}

	var last Outcome
	for i := 0; i < 9; i++ {
		var err error
		last, err = segmenter.ProcessAudio(silenceFrame())
		if err != nil {
			t.Fatalf("ProcessAudio failed: %v", err)
		}
	}

	if last != OutcomeDiscarded {
		t.Errorf("Expected final outcome OutcomeDiscarded, got %d", last)
	}
	if queue.count() != 0 {
		t.Errorf("Expected no jobs, got %d", queue.count())
	}

	stats := segmenter.GetStats()
	if stats.SegmentsDropped != 1 {
		t.Errorf("Expected 1 dropped segment, got %d", stats.SegmentsDropped)
	}
	if stats.PendingFrames != 0 {
		t.Errorf("Expected pending segment cleared, got %d frames", stats.PendingFrames)
	}
	// Discarded segments still reach the archive.
	if stats.ArchivedFrames != 3 {
		t.Errorf("Expected 3 archived frames, got %d", stats.ArchivedFrames)
	}
}

func TestSegmenterNoiseThresholdBoundary(t *testing.T) {
	tests := []struct {
		name         string
		speechFrames int
		expectJob    bool
	}{
		{"at threshold", 5, false},
		{"one above threshold", 6, true},
		{"well above threshold", 40, true},
		{"single frame", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segmenter, queue := newTestSegmenter(t, defaultSegmenterConfig())

			for i := 0; i < tt.speechFrames; i++ {
				segmenter.ProcessAudio(speechFrame(1))
			}
			for i := 0; i < 9; i++ {
				segmenter.ProcessAudio(silenceFrame())
			}

			if got := queue.count() == 1; got != tt.expectJob {
				t.Errorf("Expected job=%v, got %d jobs", tt.expectJob, queue.count())
			}
		})
	}
}

func TestSegmenterJobsMatchQualifyingFlushes(t *testing.T) {
	config := SegmenterConfig{SilenceLimit: 3, NoiseThreshold: 2}
	segmenter, queue := newTestSegmenter(t, config)

	// A deterministic but irregular label sequence.
	pattern := "SSSS.....SS.....SSSSS..S...SSSSSSSS....S.S.S.S.....SSS......"
	flushes := 0
	qualifying := 0
	pending := 0
	silence := 0

	for _, label := range pattern {
		isSpeech := label == 'S'
		outcome, err := segmenter.observe(Frame{0}, isSpeech)
		if err != nil {
			t.Fatalf("observe failed: %v", err)
		}

		if isSpeech {
			pending++
			silence = 0
			continue
		}
		silence++
		if silence > config.SilenceLimit {
			flushes++
			if pending > config.NoiseThreshold {
				qualifying++
				if outcome != OutcomeFlushed {
					t.Errorf("Expected OutcomeFlushed for %d pending frames, got %d", pending, outcome)
				}
			}
			pending = 0
			silence = 0
		}
	}

	if flushes == 0 {
		t.Fatal("Pattern produced no flush events")
	}
	if queue.count() != qualifying {
		t.Errorf("Expected %d jobs (one per qualifying flush), got %d", qualifying, queue.count())
	}
}

func TestSegmenterIncludeNonSpeech(t *testing.T) {
	config := defaultSegmenterConfig()
	config.IncludeNonSpeech = true
	segmenter, queue := newTestSegmenter(t, config)

	for i := 0; i < 6; i++ {
		segmenter.ProcessAudio(speechFrame(1))
	}
	for i := 0; i < 9; i++ {
		outcome, _ := segmenter.ProcessAudio(silenceFrame())
		if i < 8 && outcome != OutcomeAppended {
			t.Errorf("Silence %d: expected non-speech frame appended, got %d", i, outcome)
		}
	}

	if queue.count() != 1 {
		t.Fatalf("Expected 1 job, got %d", queue.count())
	}
	if queue.jobs[0].Frames != 15 {
		t.Errorf("Expected 15 frames including silence, got %d", queue.jobs[0].Frames)
	}
}

func TestSegmenterHangoverKeepsUtterance(t *testing.T) {
	segmenter, queue := newTestSegmenter(t, defaultSegmenterConfig())

	// A pause of exactly silenceLimit frames does not split the sentence.
	for i := 0; i < 4; i++ {
		segmenter.ProcessAudio(speechFrame(1))
	}
	for i := 0; i < 8; i++ {
		segmenter.ProcessAudio(silenceFrame())
	}
	for i := 0; i < 4; i++ {
		segmenter.ProcessAudio(speechFrame(1))
	}
	for i := 0; i < 9; i++ {
		segmenter.ProcessAudio(silenceFrame())
	}

	if queue.count() != 1 {
		t.Fatalf("Expected 1 job, got %d", queue.count())
	}
	if queue.jobs[0].Frames != 8 {
		t.Errorf("Expected 8 speech frames in one job, got %d", queue.jobs[0].Frames)
	}
}

func TestSegmenterWithoutRetention(t *testing.T) {
	config := defaultSegmenterConfig()
	config.RetainArchive = false
	segmenter, _ := newTestSegmenter(t, config)

	for i := 0; i < 10; i++ {
		segmenter.ProcessAudio(speechFrame(1))
	}
	for i := 0; i < 9; i++ {
		segmenter.ProcessAudio(silenceFrame())
	}
	segmenter.ProcessAudio(speechFrame(1))
	segmenter.FlushPendingToArchive()

	if archive := segmenter.DrainArchive(); archive != nil {
		t.Errorf("Expected no archive without retention, got %d samples", len(archive))
	}
}

func TestSegmenterDetectorError(t *testing.T) {
	queue := &recordingQueue{}
	detector := &labelDetector{err: vad.ErrInvalidFrame}
	segmenter, err := NewSegmenter(defaultSegmenterConfig(), detector, queue, testLogger())
	if err != nil {
		t.Fatalf("Failed to create segmenter: %v", err)
	}

	if _, err := segmenter.ProcessAudio(speechFrame(1)); !errors.Is(err, vad.ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
	if stats := segmenter.GetStats(); stats.FramesProcessed != 0 {
		t.Errorf("Expected rejected frame not to be counted, got %d", stats.FramesProcessed)
	}
}

func TestSegmenterEnqueueError(t *testing.T) {
	queue := &recordingQueue{err: dispatch.ErrQueueClosed}
	segmenter, err := NewSegmenter(defaultSegmenterConfig(), &labelDetector{}, queue, testLogger())
	if err != nil {
		t.Fatalf("Failed to create segmenter: %v", err)
	}

	for i := 0; i < 6; i++ {
		segmenter.ProcessAudio(speechFrame(1))
	}
	var lastErr error
	for i := 0; i < 9; i++ {
		_, lastErr = segmenter.ProcessAudio(silenceFrame())
	}

	if !errors.Is(lastErr, dispatch.ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", lastErr)
	}
}

func TestSegmenterThreadsSpeechState(t *testing.T) {
	segmenter, _ := newTestSegmenter(t, defaultSegmenterConfig())

	for i := 0; i < 5; i++ {
		segmenter.ProcessAudio(silenceFrame())
	}

	segmenter.mu.Lock()
	calls := segmenter.speech.H[0]
	segmenter.mu.Unlock()

	if calls != 5 {
		t.Errorf("Expected state threaded through 5 calls, got %f", calls)
	}
}

func TestSegmenterConcurrentProducers(t *testing.T) {
	config := SegmenterConfig{SilenceLimit: 2, NoiseThreshold: 0}
	segmenter, queue := newTestSegmenter(t, config)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				segmenter.ProcessAudio(speechFrame(1))
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		segmenter.ProcessAudio(silenceFrame())
	}

	if queue.count() != 1 {
		t.Fatalf("Expected 1 job, got %d", queue.count())
	}
	if queue.jobs[0].Frames != 1000 {
		t.Errorf("Expected 1000 frames, got %d", queue.jobs[0].Frames)
	}
}
