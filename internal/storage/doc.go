// Package storage is the status store and queue backend shared by the API
// layer, the dispatcher and every executor.
//
// One Store exposes a keyed hash map (one hash per task id) and named FIFO
// channels. Drivers:
//   - "memory": in-process maps (default; lost on restart)
//   - "file":   memory + append-only JSONL journal with snapshot compaction
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "nats":   NATS JetStream (KV bucket for hashes, work-queue stream for channels)
package storage
