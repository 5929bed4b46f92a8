// Package audio normalizes client audio into mono float32 sample buffers and
// measures chunk energy for silence detection.
package audio
