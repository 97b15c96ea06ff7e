package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/skypro1111/stream-transcriber/internal/dispatch"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/stream"
)

var (
	// ErrQueueFull is returned by Publish when the forwarder is saturated
	ErrQueueFull = errors.New("completion: queue full")

	// ErrClosed is returned by Publish after Close
	ErrClosed = errors.New("completion: forwarder closed")
)

var _ stream.ResultSink = (*Forwarder)(nil)

// Config contains text-completion configuration
type Config struct {
	APIKey       string
	BaseURL      string // empty uses the OpenAI default
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	QueueSize    int
}

// Forwarder sends every transcribed segment to an OpenAI-compatible chat
// completion endpoint. Results are queued so a slow endpoint never delays
// the transcription worker; when the queue is full results are dropped.
type Forwarder struct {
	client  oai.Client
	config  Config
	queue   chan dispatch.Result
	output  io.Writer
	metrics *metrics.Metrics
	logger  *slog.Logger

	closed  bool
	closeMu sync.RWMutex

	// Statistics
	forwarded uint64
	failed    uint64
	dropped   uint64
	mu        sync.RWMutex
}

// ForwarderStats represents forwarder statistics
type ForwarderStats struct {
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Option is a functional option for configuring a Forwarder
type Option func(*Forwarder)

// WithOutput sets where completion replies are printed
func WithOutput(w io.Writer) Option {
	return func(f *Forwarder) { f.output = w }
}

// NewForwarder creates a forwarder. Call Run to start processing.
func NewForwarder(cfg Config, m *metrics.Metrics, logger *slog.Logger, opts ...Option) (*Forwarder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("completion: api key must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("completion: model must not be empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	f := &Forwarder{
		client:  oai.NewClient(reqOpts...),
		config:  cfg,
		queue:   make(chan dispatch.Result, cfg.QueueSize),
		metrics: m,
		logger:  logger,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Publish queues a result without blocking
func (f *Forwarder) Publish(ctx context.Context, result dispatch.Result) error {
	if strings.TrimSpace(result.Text) == "" {
		return nil
	}

	f.closeMu.RLock()
	defer f.closeMu.RUnlock()

	if f.closed {
		return ErrClosed
	}

	select {
	case f.queue <- result:
		return nil
	default:
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		f.metrics.RecordCompletionDropped()
		return ErrQueueFull
	}
}

// Close stops accepting results. Run forwards what is already queued and
// then returns. Safe to call more than once.
func (f *Forwarder) Close() {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.queue)
}

// Run forwards queued results until the forwarder is closed and drained,
// or until ctx is cancelled
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result, ok := <-f.queue:
			if !ok {
				return nil
			}
			f.forward(ctx, result)
		}
	}
}

// forward runs one completion. Failures are logged and counted.
func (f *Forwarder) forward(ctx context.Context, result dispatch.Result) {
	reqCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	reply, err := f.Complete(reqCtx, result.Text)
	f.metrics.RecordCompletion(err != nil)

	if err != nil {
		f.mu.Lock()
		f.failed++
		f.mu.Unlock()

		f.logger.Error("Text completion failed",
			slog.String("stage", "completion"),
			slog.String("job_id", result.JobID.String()),
			slog.String("error", err.Error()))
		return
	}

	f.mu.Lock()
	f.forwarded++
	f.mu.Unlock()

	f.logger.Debug("Text completion finished",
		slog.String("job_id", result.JobID.String()),
		slog.Int("reply_length", len(reply)))

	if f.output != nil {
		fmt.Fprintln(f.output, reply)
	}
}

// Complete sends text as the user message and returns the reply
func (f *Forwarder) Complete(ctx context.Context, text string) (string, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if f.config.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(f.config.SystemPrompt))
	}
	messages = append(messages, oai.UserMessage(text))

	resp, err := f.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(f.config.Model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("completion: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion: empty choices in response")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GetStats returns current forwarder statistics
func (f *Forwarder) GetStats() ForwarderStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return ForwarderStats{
		Forwarded: f.forwarded,
		Failed:    f.failed,
		Dropped:   f.dropped,
		Queued:    len(f.queue),
	}
}
