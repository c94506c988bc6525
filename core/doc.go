// Package core provides the foundational domain types and contracts of
// ConvoKit's session substrate. It defines the core abstractions for:
//
//   - Sessions (conversational containers keyed by the app/user/session
//     triple, with scope-layered state and an ordered event history)
//   - Events (immutable communication + state-delta records)
//   - State (delta-tracked key/value container with scope-prefix routing)
//   - MemoryEntry / MemoryService (cross-session long-term recall)
//   - Agent (opaque per-turn event producer driven by the runner)
//   - Pluggable SessionStore backends
//
// The package intentionally keeps implementation concerns (persistence,
// vector indexes, summarization, turn orchestration) out of scope, exposing
// small interfaces to enable custom backends and extensions. All exported
// identifiers include concise documentation to aid discoverability and
// external consumption.
package core
