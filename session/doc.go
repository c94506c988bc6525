// Package session houses concrete implementations of core.SessionStore. The
// interface itself (and the Session type) live in the core package to
// centralize domain contracts; keeping only implementations here prevents
// higher level packages (runner, façade) from depending on concrete storage.
//
// Two backends ship with ConvoKit: the in-memory store below for tests and
// ephemeral deployments, and the durable JSON-file store in the file
// sub-package. Additional backends (Redis, Postgres, Firestore, etc.) can be
// added in sub-packages without changing any calling code; only the wiring
// layer decides which implementation to instantiate.
package session
