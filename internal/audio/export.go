package audio

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileExporter writes session audio as <dir>/<destination>/<collection>.wav
type FileExporter struct {
	dir        string
	sampleRate int
}

// NewFileExporter creates an exporter rooted at dir
func NewFileExporter(dir string, sampleRate int) (*FileExporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("export directory cannot be empty")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &FileExporter{dir: dir, sampleRate: sampleRate}, nil
}

// Write stores samples and returns nil only once the file is complete
func (e *FileExporter) Write(destination, collection string, samples []float32) error {
	if destination == "" || collection == "" {
		return fmt.Errorf("destination and collection names cannot be empty")
	}
	if filepath.Base(destination) != destination || filepath.Base(collection) != collection {
		return fmt.Errorf("destination and collection must be plain names, got %q and %q", destination, collection)
	}

	target := filepath.Join(e.dir, destination)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory %s: %w", target, err)
	}

	path := e.Path(destination, collection)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := WriteWAV(file, samples, e.sampleRate); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	return nil
}

// Path returns the file a Write with these names produces
func (e *FileExporter) Path(destination, collection string) string {
	return filepath.Join(e.dir, destination, collection+".wav")
}
