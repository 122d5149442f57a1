// Package audio provides the concrete capture and render devices: an oto
// speaker, a null renderer, a malgo microphone and synthetic tone and WAV
// file sources.
package audio
