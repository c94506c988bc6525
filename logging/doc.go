// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer ConvoLogger with contextual
// helpers (session, invocation, component) and domain specific logging
// helpers for summarizer calls, memory search and compaction passes.
package logging
