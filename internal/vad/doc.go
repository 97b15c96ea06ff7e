// Package vad implements speech activity detection.
// A Detector wraps a Scorer and turns its probability into a per-frame
// speech decision. The recurrent SpeechState is threaded through calls
// explicitly by the caller.
package vad
