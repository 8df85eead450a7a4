// Package metering provides domain models for per-user usage metering and
// quota enforcement of AI model invocations.
//
// This package implements the metering bounded context, which is responsible
// for:
//   - Tracking per-model usage counters over minute and day windows
//   - Accumulating billing deltas that the reconciler converts into billing units
//   - Computing remaining capacity against configured window limits
//
// Key types:
//   - UserRecord: durable per-user snapshot of limits, counters, and deltas
//   - WindowLimits / WindowUsage: minute- and day-scoped limit and counter pairs
//   - PendingRun: an asynchronous model invocation awaiting cost reconciliation
//
// All logic here is pure: records are loaded from and written back to the
// quota store by the application layer, which owns dirty-set bookkeeping.
package metering
