// Package archive keeps received transmissions on disk. Each completed
// transmission becomes one zstd-compressed WAV file named after its sender
// and start time.
package archive
