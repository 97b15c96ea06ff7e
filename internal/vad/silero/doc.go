// Package silero implements a vad.Scorer backed by the Silero VAD ONNX
// model through onnxruntime. It requires the onnxruntime shared library at
// run time and is kept apart from package vad for that reason.
package silero
