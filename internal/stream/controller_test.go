package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/dispatch"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

const testFrameSize = 4

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

// labelDetector treats a frame as speech when its first sample is positive
type labelDetector struct{}

func (labelDetector) Score(frame []float32, state vad.SpeechState) (bool, vad.SpeechState, error) {
	if len(frame) == 0 {
		return false, state, vad.ErrInvalidFrame
	}
	state.C[0]++
	return frame[0] > 0, state, nil
}

// fakeEngine echoes the first sample of each streaming call and answers
// "final" to calls with timings enabled
type fakeEngine struct {
	failOn map[int]bool // 1-based call numbers that fail

	mu    sync.Mutex
	calls []transcription.Options
	sizes []int
}

func (e *fakeEngine) Transcribe(ctx context.Context, samples []float32, opts transcription.Options) ([]transcription.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, opts)
	e.sizes = append(e.sizes, len(samples))
	if e.failOn[len(e.calls)] {
		return nil, errors.New("engine exploded")
	}

	if !opts.WithoutTimestamps {
		return []transcription.Segment{{Text: "final", End: time.Second}}, nil
	}
	return []transcription.Segment{{Text: fmt.Sprintf("%g", samples[0])}}, nil
}

func (e *fakeEngine) finalCalls() (count int, samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, opts := range e.calls {
		if !opts.WithoutTimestamps {
			count++
			samples = e.sizes[i]
		}
	}
	return count, samples
}

// recordingSink collects results and signals each arrival
type recordingSink struct {
	mu      sync.Mutex
	results []dispatch.Result
	arrived chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{arrived: make(chan struct{}, 128)}
}

func (s *recordingSink) Publish(ctx context.Context, result dispatch.Result) error {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()
	s.arrived <- struct{}{}
	return nil
}

func (s *recordingSink) snapshot() []dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Result(nil), s.results...)
}

func (s *recordingSink) waitFor(t *testing.T, n int) []dispatch.Result {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(s.snapshot()) < n {
		select {
		case <-s.arrived:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d results, got %d", n, len(s.snapshot()))
		}
	}
	return s.snapshot()
}

// fakeTransport records its lifecycle and the results it was asked to send
type fakeTransport struct {
	*recordingSink
	startErr error

	mu     sync.Mutex
	ingest Ingestor
	starts int
	stops  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recordingSink: newRecordingSink()}
}

func (f *fakeTransport) Start(ctx context.Context, ingest Ingestor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.ingest = ingest
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// fakeExporter records every write
type fakeExporter struct {
	mu     sync.Mutex
	writes []string
	sizes  []int
}

func (e *fakeExporter) Write(destination, collection string, samples []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, destination+"/"+collection)
	e.sizes = append(e.sizes, len(samples))
	return nil
}

func testOptions() config.AppOptions {
	return config.AppOptions{
		SilenceLimit:   8,
		NoiseThreshold: 5,
		SampleRate:     16000,
		FrameSize:      testFrameSize,
		DequeueTimeout: 20 * time.Millisecond,
	}
}

func newTestController(t *testing.T, opts config.AppOptions, deps Dependencies) *Controller {
	t.Helper()
	if deps.NewDetector == nil {
		deps.NewDetector = func() (audio.SpeechDetector, error) { return labelDetector{}, nil }
	}
	if deps.Metrics == nil {
		deps.Metrics = testMetrics()
	}
	deps.Logger = testLogger()

	c, err := NewController(ControllerConfig{
		Options:          opts,
		Transcription:    transcription.Options{Language: "en", BeamSize: 5},
		LivenessInterval: 10 * time.Millisecond,
	}, deps)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	return c
}

func frame(value float32) audio.Frame {
	f := make(audio.Frame, testFrameSize)
	for i := range f {
		f[i] = value
	}
	return f
}

func feed(t *testing.T, c *Controller, value float32, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		if err := c.ProcessAudio(frame(value)); err != nil {
			t.Fatalf("ProcessAudio failed: %v", err)
		}
	}
}

func TestNewControllerValidation(t *testing.T) {
	detector := func() (audio.SpeechDetector, error) { return labelDetector{}, nil }
	m := testMetrics()

	tests := []struct {
		name string
		opts config.AppOptions
		deps Dependencies
	}{
		{"missing detector", testOptions(), Dependencies{Engine: &fakeEngine{}, Metrics: m}},
		{"missing engine", testOptions(), Dependencies{NewDetector: detector, Metrics: m}},
		{"missing metrics", testOptions(), Dependencies{NewDetector: detector, Engine: &fakeEngine{}}},
		{
			"transport enabled without transport",
			func() config.AppOptions { o := testOptions(); o.UseTransport = true; return o }(),
			Dependencies{NewDetector: detector, Engine: &fakeEngine{}, Metrics: m},
		},
		{
			"zero dequeue timeout",
			func() config.AppOptions { o := testOptions(); o.DequeueTimeout = 0; return o }(),
			Dependencies{NewDetector: detector, Engine: &fakeEngine{}, Metrics: m},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewController(ControllerConfig{Options: tt.opts}, tt.deps); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestControllerStopWhenIdle(t *testing.T) {
	c := newTestController(t, testOptions(), Dependencies{Engine: &fakeEngine{}})

	for i := 0; i < 2; i++ {
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop on idle controller returned error: %v", err)
		}
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
}

func TestControllerRejectsAudioWhenNotRunning(t *testing.T) {
	c := newTestController(t, testOptions(), Dependencies{Engine: &fakeEngine{}})

	if err := c.ProcessAudio(frame(1)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Expected ErrNotRunning, got %v", err)
	}
	if c.Stats().FramesRejected != 1 {
		t.Errorf("Expected 1 rejected frame, got %d", c.Stats().FramesRejected)
	}
}

func TestControllerStartTwice(t *testing.T) {
	c := newTestController(t, testOptions(), Dependencies{Engine: &fakeEngine{}})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(context.Background())

	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestControllerStartFailureLeavesIdle(t *testing.T) {
	t.Run("detector construction fails", func(t *testing.T) {
		c := newTestController(t, testOptions(), Dependencies{
			Engine: &fakeEngine{},
			NewDetector: func() (audio.SpeechDetector, error) {
				return nil, errors.New("model missing")
			},
		})

		if err := c.Start(context.Background()); err == nil {
			t.Fatal("Expected start error")
		}
		if c.State() != StateIdle {
			t.Errorf("Expected idle after failed start, got %s", c.State())
		}
	})

	t.Run("transport fails to bind", func(t *testing.T) {
		opts := testOptions()
		opts.UseTransport = true
		transport := newFakeTransport()
		transport.startErr = errors.New("address in use")

		c := newTestController(t, opts, Dependencies{Engine: &fakeEngine{}, Transport: transport})

		if err := c.Start(context.Background()); err == nil {
			t.Fatal("Expected start error")
		}
		if c.State() != StateIdle {
			t.Errorf("Expected idle after failed start, got %s", c.State())
		}
		if err := c.ProcessAudio(frame(1)); !errors.Is(err, ErrNotRunning) {
			t.Errorf("Expected ErrNotRunning after failed start, got %v", err)
		}

		// A later start may succeed
		transport.mu.Lock()
		transport.startErr = nil
		transport.mu.Unlock()
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Restart failed: %v", err)
		}
		c.Stop(context.Background())
	})
}

func TestControllerResultsInEnqueueOrder(t *testing.T) {
	engine := &fakeEngine{}
	sink := newRecordingSink()
	c := newTestController(t, testOptions(), Dependencies{Engine: engine, Sinks: []ResultSink{sink}})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(context.Background())

	// Six speech frames then nine silence frames, three times
	for i := 1; i <= 3; i++ {
		feed(t, c, float32(i), 6)
		feed(t, c, 0, 9)
	}

	results := sink.waitFor(t, 3)
	for i, result := range results {
		expected := fmt.Sprintf("%d", i+1)
		if result.Text != expected {
			t.Errorf("Result %d: expected %q, got %q", i, expected, result.Text)
		}
		if result.Final {
			t.Errorf("Result %d should not be final", i)
		}
	}

	engine.mu.Lock()
	for i, opts := range engine.calls {
		if !opts.WithoutTimestamps || opts.WordTimestamps {
			t.Errorf("Call %d should use streaming options: %+v", i, opts)
		}
		if engine.sizes[i] != 6*testFrameSize {
			t.Errorf("Call %d: expected %d samples, got %d", i, 6*testFrameSize, engine.sizes[i])
		}
	}
	engine.mu.Unlock()

	stats := c.Stats()
	if stats.Segmenter.JobsEnqueued != 3 || stats.SessionsStarted != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	opts := testOptions()
	opts.UseTransport = true
	opts.CreateAudioFile = true

	engine := &fakeEngine{}
	transport := newFakeTransport()
	exporter := &fakeExporter{}
	c := newTestController(t, opts, Dependencies{Engine: engine, Transport: transport, Exporter: exporter})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	feed(t, c, 1, 3)

	for i := 0; i < 2; i++ {
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop %d failed: %v", i+1, err)
		}
	}

	if calls, _ := engine.finalCalls(); calls != 1 {
		t.Errorf("Expected one final pass, got %d", calls)
	}
	if transport.stopCount() != 1 {
		t.Errorf("Expected transport stopped once, got %d", transport.stopCount())
	}
	if len(exporter.writes) != 1 {
		t.Errorf("Expected one export, got %d", len(exporter.writes))
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
	if err := c.ProcessAudio(frame(1)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning after stop, got %v", err)
	}
}

func TestControllerEndOfStreamRunsFinalPassOnce(t *testing.T) {
	opts := testOptions()
	opts.UseTransport = true
	opts.CreateAudioFile = true

	engine := &fakeEngine{}
	transport := newFakeTransport()
	exporter := &fakeExporter{}
	c := newTestController(t, opts, Dependencies{Engine: engine, Transport: transport, Exporter: exporter})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A never-closed utterance enqueues nothing
	feed(t, c, 1, 100)
	if got := c.Stats().Segmenter.JobsEnqueued; got != 0 {
		t.Fatalf("Expected no jobs before stop, got %d", got)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	transport.mu.Lock()
	ingest := transport.ingest
	transport.mu.Unlock()
	ingest.EndOfStream()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after end of stream")
	}

	calls, samples := engine.finalCalls()
	if calls != 1 {
		t.Fatalf("Expected one final pass, got %d", calls)
	}
	if samples != 100*testFrameSize {
		t.Errorf("Expected final pass over %d samples, got %d", 100*testFrameSize, samples)
	}

	results := transport.snapshot()
	if len(results) != 1 || !results[0].Final || results[0].Text != "final" {
		t.Errorf("Expected one final result on the transport, got %+v", results)
	}

	if len(exporter.writes) != 1 || exporter.writes[0] != ArchiveDestination+"/"+ArchiveCollection {
		t.Errorf("Unexpected exports: %v", exporter.writes)
	}
	if transport.stopCount() != 1 {
		t.Errorf("Expected transport stopped once, got %d", transport.stopCount())
	}

	// A second stop changes nothing
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
	if calls, _ := engine.finalCalls(); calls != 1 {
		t.Errorf("Final pass ran again: %d", calls)
	}
	if c.Stats().FinalPasses != 1 {
		t.Errorf("Expected 1 final pass in stats, got %d", c.Stats().FinalPasses)
	}
}

func TestControllerWithoutRetentionSkipsFinalPass(t *testing.T) {
	engine := &fakeEngine{}
	exporter := &fakeExporter{}
	c := newTestController(t, testOptions(), Dependencies{Engine: engine, Exporter: exporter})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	feed(t, c, 1, 20)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if calls, _ := engine.finalCalls(); calls != 0 {
		t.Errorf("Expected no final pass, got %d", calls)
	}
	if len(exporter.writes) != 0 {
		t.Errorf("Expected no export, got %v", exporter.writes)
	}
}

func TestControllerRunReturnsOnContextDone(t *testing.T) {
	c := newTestController(t, testOptions(), Dependencies{Engine: &fakeEngine{}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if c.State() != StateRunning {
		t.Errorf("Run must not stop the session on context end, got %s", c.State())
	}
}

func TestControllerInvalidFrame(t *testing.T) {
	c := newTestController(t, testOptions(), Dependencies{Engine: &fakeEngine{}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(context.Background())

	if err := c.ProcessAudio(audio.Frame{}); !errors.Is(err, vad.ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
	if c.State() != StateRunning {
		t.Errorf("An invalid frame must not end the session, got %s", c.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:     "idle",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		State(42):     "unknown(42)",
	}
	for state, expected := range tests {
		if state.String() != expected {
			t.Errorf("Expected %q, got %q", expected, state.String())
		}
	}
}
