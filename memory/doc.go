// Package memory implements the long-term memory pipeline of a chat
// session: embedding text, similarity search over stored facts, and
// summarizing evicted conversation turns into new facts.
//
// Architecture:
//   - Store: vector storage backend (chromem-go embedded database locally,
//     swappable for a server-side store in production)
//   - Embedder: text-to-vector conversion (ONNX all-MiniLM locally, mock
//     embedder for tests)
//   - Pipeline: per-session orchestration of recall, store, and summarize
//
// Facts are namespaced by user scope. Display names inside fact text are
// replaced with placeholder tokens before storage and restored on recall,
// so stored facts stay valid when a persona is renamed.
package memory
