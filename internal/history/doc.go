// Package history collects published predictions in completion order.
//
// Sinks are append-only: the Recorder keeps an in-memory history with a
// latest-prediction view and live subscribers, the SQLiteStore persists
// records, and Tee fans a record out to several sinks. Summarize and the
// export writers turn a history into a session report.
package history
