// Package storage persists task state for taskd.
//
// It holds:
//   - task rows (enabled flag, config, last/next run)
//   - schedule rows (one per recurrence, with its own last/next run)
//   - execution records (one per run, inserted at start and updated at the end)
//   - notifier dedup keys, so suppression survives restarts
package storage
