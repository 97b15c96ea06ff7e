package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

// Client is an Engine that uploads each segment as a WAV file to an HTTP
// transcription endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	backoff    func(attempt int) time.Duration

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

var _ Engine = (*Client)(nil)

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string // optional bearer token
	Model         string // forwarded as the model form field
	SampleRate    int
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// TranscriptionResponse is the JSON body returned by the endpoint
type TranscriptionResponse struct {
	RequestID string            `json:"request_id,omitempty"`
	Text      string            `json:"text"`
	Language  string            `json:"language,omitempty"`
	Duration  float64           `json:"duration"`
	Segments  []ResponseSegment `json:"segments,omitempty"`
}

// ResponseSegment is one timed span in a TranscriptionResponse, in seconds
type ResponseSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// statusError is returned for a non-2xx response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		backoff:    exponentialBackoff,
	}, nil
}

// exponentialBackoff waits 1s, 2s, 4s... capped at 30s
func exponentialBackoff(attempt int) time.Duration {
	backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	if backoffTime > 30*time.Second {
		backoffTime = 30 * time.Second
	}
	return backoffTime
}

// Transcribe implements Engine
func (c *Client) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error) {
	wavData, err := audio.EncodeWAV(samples, c.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio: %w", err)
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	requestID := uuid.NewString()
	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, requestID, wavData, opts)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return response.toSegments(), nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("transcription request %s failed: %w", requestID, lastErr)
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, requestID string, wavData []byte, opts Options) (*TranscriptionResponse, error) {
	body, contentType, err := c.createMultipartRequest(requestID, wavData, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Stream-Transcriber/1.0")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	var transcriptionResp TranscriptionResponse
	if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &transcriptionResp, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(requestID string, wavData []byte, opts Options) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", requestID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"request_id", requestID},
		{"task", opts.Task()},
		{"sample_rate", strconv.Itoa(c.config.SampleRate)},
		{"without_timestamps", strconv.FormatBool(opts.WithoutTimestamps)},
		{"word_timestamps", strconv.FormatBool(opts.WordTimestamps)},
	}

	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}
	if c.config.Model != "" {
		fields = append(fields, [2]string{"model", c.config.Model})
	}
	if opts.InitialPrompt != "" {
		fields = append(fields, [2]string{"prompt", opts.InitialPrompt})
	}
	if opts.BeamSize > 0 {
		fields = append(fields, [2]string{"beam_size", strconv.Itoa(opts.BeamSize)})
	}
	if opts.Temperature > 0 {
		fields = append(fields, [2]string{"temperature", fmt.Sprintf("%.2f", opts.Temperature)})
	}
	if !opts.WithoutTimestamps {
		fields = append(fields, [2]string{"response_format", "verbose_json"})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// toSegments falls back to the full text when the endpoint returned no spans
func (r *TranscriptionResponse) toSegments() []Segment {
	if len(r.Segments) == 0 {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			return nil
		}
		return []Segment{{
			End:  time.Duration(r.Duration * float64(time.Second)),
			Text: text,
		}}
	}

	segments := make([]Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
			Text:  text,
		})
	}
	return segments
}

// isRetryableError reports whether a failed attempt is worth repeating:
// timeouts, network errors, rate limiting and 5xx responses
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (c *Client) Close() error {
	for i := 0; i < cap(c.semaphore); i++ {
		c.semaphore <- struct{}{}
	}

	c.httpClient.CloseIdleConnections()
	return nil
}
