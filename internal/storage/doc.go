// Package storage provides the persistence layer used by the bots.
//
// It currently supports:
//   - Bot activity log appends (execution/audit trail)
//   - Quote records consumed by the lead and database bots
//   - Session expiry housekeeping
//
// Errors are classified into kinds (not found, conflict, unavailable, ...)
// so the error handler can map them to severities without knowing the driver.
package storage
