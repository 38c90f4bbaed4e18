// Package store persists batches, requests, their transition logs and
// delivery attempts on a SQL database via GORM.
//
// The store is the single source of truth: every state change goes through
// a guarded transition (conditional UPDATE plus an append-only transition
// row, both inside one transaction). Callers that lose a state race get a
// typed WrongStateError instead of a silent no-op.
package store
