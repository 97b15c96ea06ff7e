package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete settings document. The struct is the
// allow-list: keys that do not map to a field are ignored on load.
type Config struct {
	App        AppSettings        `yaml:"app_settings"`
	Model      ModelSettings      `yaml:"model_settings"`
	Transcribe TranscribeSettings `yaml:"transcribe_settings"`
	VAD        VADConfig          `yaml:"vad"`
	Server     ServerConfig       `yaml:"server"`
	HTTP       HTTPConfig         `yaml:"http"`
	Completion CompletionConfig   `yaml:"completion"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// AppSettings contains the segmentation and session switches
type AppSettings struct {
	AudioDevice        int     `yaml:"audio_device" json:"audio_device"`
	SilenceLimit       int     `yaml:"silence_limit" json:"silence_limit"`               // frames
	NoiseThreshold     int     `yaml:"noise_threshold" json:"noise_threshold"`           // frames
	NonSpeechThreshold float64 `yaml:"non_speech_threshold" json:"non_speech_threshold"` // probability
	IncludeNonSpeech   bool    `yaml:"include_non_speech" json:"include_non_speech"`
	CreateAudioFile    bool    `yaml:"create_audio_file" json:"create_audio_file"`
	UseWebsocketServer bool    `yaml:"use_websocket_server" json:"use_websocket_server"`
	UseOpenAIAPI       bool    `yaml:"use_openai_api" json:"use_openai_api"`

	SampleRate     int    `yaml:"sample_rate" json:"sample_rate"`
	FrameSize      int    `yaml:"frame_size" json:"frame_size"`           // samples, 0 accepts any length
	DequeueTimeout int    `yaml:"dequeue_timeout" json:"dequeue_timeout"` // seconds
	QueueWarnDepth int    `yaml:"queue_warn_depth" json:"queue_warn_depth"`
	AudioDir       string `yaml:"audio_dir" json:"audio_dir"`
	InputFile      string `yaml:"input_file" json:"input_file"`
}

// ModelSettings selects and configures the transcription engine
type ModelSettings struct {
	Engine        string `yaml:"engine"` // "whisper" or "http"
	ModelPath     string `yaml:"model_size_or_path"`
	CPUThreads    int    `yaml:"cpu_threads"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// TranscribeSettings contains per-call transcription parameters
type TranscribeSettings struct {
	Language          string  `yaml:"language" json:"language"`
	Task              string  `yaml:"task" json:"task"` // "transcribe" or "translate"
	BeamSize          int     `yaml:"beam_size" json:"beam_size"`
	Temperature       float32 `yaml:"temperature" json:"temperature"`
	InitialPrompt     string  `yaml:"initial_prompt" json:"initial_prompt"`
	WithoutTimestamps bool    `yaml:"without_timestamps" json:"without_timestamps"`
	WordTimestamps    bool    `yaml:"word_timestamps" json:"word_timestamps"`
}

// VADConfig selects the speech scorer
type VADConfig struct {
	Engine             string `yaml:"engine"` // "silero" or "energy"
	ModelPath          string `yaml:"model_path"`
	OnnxRuntimeLibrary string `yaml:"onnxruntime_library"`
}

// ServerConfig contains the websocket transport configuration
type ServerConfig struct {
	Address        string `yaml:"address"`
	Path           string `yaml:"path"`
	MaxMessageSize int64  `yaml:"max_message_size"` // bytes
}

// HTTPConfig contains HTTP status API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// CompletionConfig configures the text-completion integration
type CompletionConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	Timeout      int    `yaml:"timeout"` // seconds
	QueueSize    int    `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every field at its default value
func Default() *Config {
	return &Config{
		App: AppSettings{
			SilenceLimit:       8,
			NoiseThreshold:     5,
			NonSpeechThreshold: 0.1,
			CreateAudioFile:    true,
			SampleRate:         16000,
			FrameSize:          1024,
			DequeueTimeout:     3,
			QueueWarnDepth:     32,
			AudioDir:           ".",
		},
		Model: ModelSettings{
			Engine:        "whisper",
			CPUThreads:    4,
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 1,
		},
		Transcribe: TranscribeSettings{
			Language: "en",
			Task:     "transcribe",
			BeamSize: 5,
		},
		VAD: VADConfig{
			Engine:    "silero",
			ModelPath: "assets/silero_vad.onnx",
		},
		Server: ServerConfig{
			Address:        "localhost:8765",
			Path:           "/",
			MaxMessageSize: 1 << 20,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "localhost",
		},
		Completion: CompletionConfig{
			Model:     "gpt-4o-mini",
			Timeout:   30,
			QueueSize: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the settings document at path and applies it over the defaults.
// JSON documents are accepted as-is since JSON is a subset of YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// Parse decodes a settings document and validates the result
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app_settings: %w", err)
	}

	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model_settings: %w", err)
	}

	if err := c.Transcribe.Validate(); err != nil {
		return fmt.Errorf("transcribe_settings: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}

	if c.App.UseWebsocketServer {
		if err := c.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if c.App.UseOpenAIAPI {
		if err := c.Completion.Validate(); err != nil {
			return fmt.Errorf("completion: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	return nil
}

// Validate validates the segmentation settings
func (a *AppSettings) Validate() error {
	if a.SilenceLimit < 0 {
		return fmt.Errorf("silence_limit cannot be negative, got %d", a.SilenceLimit)
	}

	if a.NoiseThreshold < 0 {
		return fmt.Errorf("noise_threshold cannot be negative, got %d", a.NoiseThreshold)
	}

	if a.NonSpeechThreshold < 0 || a.NonSpeechThreshold > 1 {
		return fmt.Errorf("non_speech_threshold must be between 0 and 1, got %f", a.NonSpeechThreshold)
	}

	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}

	if a.FrameSize < 0 {
		return fmt.Errorf("frame_size cannot be negative, got %d", a.FrameSize)
	}

	if a.DequeueTimeout < 1 {
		return fmt.Errorf("dequeue_timeout must be at least 1 second, got %d", a.DequeueTimeout)
	}

	if a.CreateAudioFile && a.AudioDir == "" {
		return fmt.Errorf("audio_dir cannot be empty when create_audio_file is set")
	}

	return nil
}

// Validate validates the engine selection
func (m *ModelSettings) Validate() error {
	switch m.Engine {
	case "whisper":
		if m.ModelPath == "" {
			return fmt.Errorf("model_size_or_path cannot be empty for the whisper engine")
		}
	case "http":
		if m.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http engine")
		}
		if m.Timeout < 1 {
			return fmt.Errorf("timeout must be at least 1 second, got %d", m.Timeout)
		}
		if m.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", m.MaxRetries)
		}
	default:
		return fmt.Errorf("engine must be 'whisper' or 'http', got '%s'", m.Engine)
	}

	return nil
}

// Validate validates transcription parameters
func (t *TranscribeSettings) Validate() error {
	validTasks := map[string]bool{"transcribe": true, "translate": true}
	if !validTasks[t.Task] {
		return fmt.Errorf("task must be 'transcribe' or 'translate', got '%s'", t.Task)
	}

	if t.BeamSize < 0 {
		return fmt.Errorf("beam_size cannot be negative, got %d", t.BeamSize)
	}

	if t.Temperature < 0 {
		return fmt.Errorf("temperature cannot be negative, got %f", t.Temperature)
	}

	return nil
}

// Validate validates the scorer selection
func (v *VADConfig) Validate() error {
	switch v.Engine {
	case "silero":
		if v.ModelPath == "" {
			return fmt.Errorf("model_path cannot be empty for the silero engine")
		}
	case "energy":
	default:
		return fmt.Errorf("engine must be 'silero' or 'energy', got '%s'", v.Engine)
	}

	return nil
}

// Validate validates websocket transport configuration
func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.Path == "" || s.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got '%s'", s.Path)
	}

	if s.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", s.MaxMessageSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates the completion integration
func (c *CompletionConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if c.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetDequeueTimeout returns the worker dequeue timeout as a time.Duration
func (a *AppSettings) GetDequeueTimeout() time.Duration {
	return time.Duration(a.DequeueTimeout) * time.Second
}

// GetTimeoutDuration returns the engine request timeout as a time.Duration
func (m *ModelSettings) GetTimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// GetTimeoutDuration returns the completion request timeout as a time.Duration
func (c *CompletionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// AppOptions is the immutable per-session record derived from the settings
// document at session start.
type AppOptions struct {
	AudioDevice        int
	SilenceLimit       int
	NoiseThreshold     int
	NonSpeechThreshold float64
	IncludeNonSpeech   bool
	CreateAudioFile    bool
	UseTransport       bool
	UseTextCompletion  bool

	SampleRate     int
	FrameSize      int
	DequeueTimeout time.Duration
	QueueWarnDepth int
}

// AppOptions maps the app_settings section onto the session record
func (c *Config) AppOptions() AppOptions {
	return AppOptions{
		AudioDevice:        c.App.AudioDevice,
		SilenceLimit:       c.App.SilenceLimit,
		NoiseThreshold:     c.App.NoiseThreshold,
		NonSpeechThreshold: c.App.NonSpeechThreshold,
		IncludeNonSpeech:   c.App.IncludeNonSpeech,
		CreateAudioFile:    c.App.CreateAudioFile,
		UseTransport:       c.App.UseWebsocketServer,
		UseTextCompletion:  c.App.UseOpenAIAPI,
		SampleRate:         c.App.SampleRate,
		FrameSize:          c.App.FrameSize,
		DequeueTimeout:     c.App.GetDequeueTimeout(),
		QueueWarnDepth:     c.App.QueueWarnDepth,
	}
}
