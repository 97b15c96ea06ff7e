package silero

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/skypro1111/stream-transcriber/internal/vad"
)

var (
	inputNames  = []string{"input", "sr", "h", "c"}
	outputNames = []string{"output", "hn", "cn"}
	stateShape  = ort.NewShape(2, 1, 64)
)

var envOnce sync.Once
var envErr error

// Scorer runs Silero VAD inference. Calls are serialized.
type Scorer struct {
	session *ort.DynamicAdvancedSession

	mu        sync.Mutex
	closeOnce sync.Once
}

var _ vad.Scorer = (*Scorer)(nil)

// New loads the model at modelPath. libraryPath optionally points at the
// onnxruntime shared library; the environment is initialized once per process.
func New(modelPath, libraryPath string) (*Scorer, error) {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if !ort.IsInitialized() {
			envErr = ort.InitializeEnvironment()
		}
	})
	if envErr != nil {
		return nil, fmt.Errorf("silero: initialize onnxruntime: %w", envErr)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", modelPath, err)
	}

	return &Scorer{session: session}, nil
}

// Infer implements vad.Scorer
func (s *Scorer) Infer(samples []float32, sampleRate int, state vad.SpeechState) (float32, vad.SpeechState, error) {
	if len(samples) == 0 {
		return 0, state, fmt.Errorf("%w: empty frame", vad.ErrInvalidFrame)
	}
	if sampleRate != 8000 && sampleRate != 16000 {
		return 0, state, fmt.Errorf("%w: unsupported sample rate %d", vad.ErrInvalidFrame, sampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return 0, state, fmt.Errorf("silero: scorer closed")
	}

	// The model reads the frame as a 1xN row.
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(samples))), samples)
	if err != nil {
		return 0, state, fmt.Errorf("silero: input tensor: %w", err)
	}
	defer input.Destroy()

	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)})
	if err != nil {
		return 0, state, fmt.Errorf("silero: sr tensor: %w", err)
	}
	defer sr.Destroy()

	h, err := ort.NewTensor(stateShape, append([]float32(nil), state.H[:]...))
	if err != nil {
		return 0, state, fmt.Errorf("silero: h tensor: %w", err)
	}
	defer h.Destroy()

	c, err := ort.NewTensor(stateShape, append([]float32(nil), state.C[:]...))
	if err != nil {
		return 0, state, fmt.Errorf("silero: c tensor: %w", err)
	}
	defer c.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, state, fmt.Errorf("silero: output tensor: %w", err)
	}
	defer output.Destroy()

	hn, err := ort.NewEmptyTensor[float32](stateShape)
	if err != nil {
		return 0, state, fmt.Errorf("silero: hn tensor: %w", err)
	}
	defer hn.Destroy()

	cn, err := ort.NewEmptyTensor[float32](stateShape)
	if err != nil {
		return 0, state, fmt.Errorf("silero: cn tensor: %w", err)
	}
	defer cn.Destroy()

	err = s.session.Run([]ort.Value{input, sr, h, c}, []ort.Value{output, hn, cn})
	if err != nil {
		return 0, state, fmt.Errorf("silero: run: %w", err)
	}

	var next vad.SpeechState
	copy(next.H[:], hn.GetData())
	copy(next.C[:], cn.GetData())

	return output.GetData()[0], next, nil
}

// Close releases the onnxruntime session. Safe to call more than once.
func (s *Scorer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		err = s.session.Destroy()
		s.session = nil
	})
	return err
}
