// Package worker runs dispatched document tasks.
//
// A worker pulls the next admissible task from a scheduler, leases the
// matching task record, runs the correction pipeline over the document and
// persists artifacts, suggestions and status. The scheduler slot is released
// after every task, whether it ran, failed or was skipped for contention.
package worker
