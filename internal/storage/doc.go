// Package storage provides a minimal persistence layer used by the executor.
//
// It currently supports:
//   - Audit log appends (control requests: trigger/stop/reschedule)
//   - Process-count statistics per (job, executor), kept across restarts
package storage
