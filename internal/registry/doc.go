// Package registry is the durable record of users, projects, documents, jobs
// and their per-document tasks.
//
// The registry is the source of truth the in-memory scheduler is rebuilt from
// on restart. Lease acquisition (TryLock) is a compare-and-set inside one
// transaction so at most one worker holds a task until its lease expires.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite file database (default)
//   - "postgres": gorm over the pgx driver
package registry
