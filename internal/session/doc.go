// Package session implements the listening session lifecycle.
//
// A Controller moves through Idle, AcquiringSource, Listening and Stopped.
// While listening, a single pump goroutine reads chunks from the source and
// runs the assembler, encoder and dispatcher synchronously for each chunk.
// Stop tears the pipeline down in a fixed order without waiting for an
// in-flight classification, and is invoked automatically when the context
// passed to Start ends.
package session
