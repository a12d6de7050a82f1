// Package audio turns a live sample stream into classification clips.
// The Assembler cuts incoming float samples into fixed one-second windows,
// retaining any remainder across pushes, and EncodeWindow packs each window
// into a canonical mono 16-bit PCM WAV container.
package audio
