// Package stream runs a transcription session. The Controller owns the
// session lifecycle and is the single ingestion point for audio; the Worker
// is the single consumer of the dispatch queue and publishes every
// transcribed segment to the result sinks.
package stream
