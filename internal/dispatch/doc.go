// Package dispatch implements the handoff between audio producers and the
// transcription worker: the Job and Result records and an unbounded FIFO
// queue with a timeout-bounded dequeue.
package dispatch
