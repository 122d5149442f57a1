// Package queue provides the bounded FIFO that keeps playback buffers in
// arrival order while they are decoded and rendered.
package queue
