// Package engine runs dispatched tasks.
//
// An Executor owns one task's timer loop and fires its Sink according to the
// schedule type. Before every fire it re-reads the task status through a
// StatusReader and stops when the status is no longer RUNNING (or cannot be
// read). Each Executor also carries a cancellation token; the dispatcher uses
// it through the Handle kept in the Registry.
package engine
