// Package transcription defines the Engine contract used by the worker and
// implements it over HTTP: each segment is uploaded as a WAV file in a
// multipart request, with retries, exponential backoff and a concurrency
// limit. The native whisper.cpp engine lives in the whisper subpackage.
package transcription
