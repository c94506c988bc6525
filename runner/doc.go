// Package runner coordinates one conversational turn end to end: it loads
// the session, persists and emits the user's input event, streams the
// agent's events while persisting the durable ones, and finally gives the
// compaction engine a chance to fold old history.
//
// The runner enforces a single-writer discipline per session. Concurrent
// Run calls for the same (app_name, user_id, session_id) triple serialize;
// calls for different sessions proceed in parallel.
package runner
