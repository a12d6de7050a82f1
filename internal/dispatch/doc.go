// Package dispatch submits encoded clips for classification with at most one
// request in flight. Clips offered while a request is outstanding are dropped,
// never queued, so the live view always reflects the freshest audio.
package dispatch
