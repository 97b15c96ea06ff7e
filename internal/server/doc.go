// Package server implements the duplex websocket transport that feeds peer
// audio into a session and sends transcription results back, plus the HTTP
// status API with health, statistics, configuration and Prometheus metrics.
package server
