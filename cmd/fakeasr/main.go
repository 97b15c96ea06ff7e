package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

// fakeText is returned for every request
const fakeText = "This is a test transcription of an audio segment."

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	http.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		transcribeHandler(w, r, logger, *delay)
	})

	logger.Info("Test transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/transcribe"))

	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func transcribeHandler(w http.ResponseWriter, r *http.Request, logger *slog.Logger, delay time.Duration) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	samples, info, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		http.Error(w, "Invalid WAV payload", http.StatusBadRequest)
		return
	}
	duration := float64(len(samples)) / float64(info.SampleRate)

	logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("task", r.FormValue("task")),
		slog.String("language", r.FormValue("language")),
		slog.String("filename", header.Filename),
		slog.Int("bytes", len(data)),
		slog.Float64("duration", duration),
		slog.Bool("word_timestamps", r.FormValue("word_timestamps") == "true"))

	time.Sleep(delay)

	response := transcription.TranscriptionResponse{
		RequestID: r.FormValue("request_id"),
		Text:      fakeText,
		Language:  r.FormValue("language"),
		Duration:  duration,
	}
	if r.FormValue("without_timestamps") == "false" {
		response.Segments = []transcription.ResponseSegment{{Start: 0, End: duration, Text: fakeText}}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	logger.Info("Transcription response sent", slog.String("text", response.Text))
}
