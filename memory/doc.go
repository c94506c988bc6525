// Package memory contains concrete core.MemoryService implementations. The
// service interface and MemoryEntry type reside in the core package; depend
// on core.MemoryService in your code and select a strategy at wiring time.
//
// Two interchangeable strategies ship with ConvoKit: the keyword service
// below (token-set intersection, linear scan, right for small in-process
// deployments) and the vector-index-backed service in the semantic
// sub-package, which scales to far larger corpora and needs an Embedder.
package memory
