// Package compaction bounds event-log growth by periodically collapsing a
// sliding window of old invocations into a single summary event. Summaries
// are appended to the log like any other event; the originals stay in place
// for audit and are only excluded from model-facing context reconstruction.
//
// The window advances with a configurable overlap so consecutive summaries
// share referential context across the boundary. Summarization itself is
// delegated to a pluggable Summarizer; the LLM-backed implementation lives
// in the anthropic subpackage and StaticSummarizer serves tests.
package compaction
