// Package scheduler drives dispatched work from the two store channels.
//
// A Dispatcher wakes on its poll schedule and runs one tick:
//   - todo phase: drain the todo channel, persist each task as RUNNING and
//     start an executor for it (replacing any previous executor for the id)
//   - control phase: drain the control channel, mark targets STOPPED, cancel
//     their executors and re-queue replacement tasks for updates
//
// Malformed entries and store errors on a single entry are logged and skipped.
package scheduler
