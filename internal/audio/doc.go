// Package audio implements frame buffering and utterance segmentation.
// The Segmenter turns per-frame speech decisions into closed segments and
// hands them to the dispatch queue. The package also reads and writes
// mono WAV audio.
package audio
