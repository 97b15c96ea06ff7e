// Package metrics defines the Prometheus instruments for the transcription
// pipeline, its transport and the status API.
package metrics
