// Package engine provides the reconciliation core of teamsync.
//
// # Overview
//
// Every service runs the same chain:
//
//  1. Desired - derive the desired snapshot from the team data set (DesiredBuilder)
//  2. Current - read the live snapshot from the service (Client.Read)
//  3. Diff - compute operations from the two snapshots (DiffFunc)
//  4. Plan - order the operations by the service's fixed layers (NewPlan)
//  5. Guard - evaluate policies against the plan (PlanGuard)
//  6. Execute - render in dry-run, or apply through the client (Executor)
//
// Both snapshots are taken before any write, and the diff is pure.
//
// # Core Types
//
//   - Operation: a create, update or delete of one entity, carried as data
//   - Plan: the ordered operations of one service plus warnings
//   - ExecutionResult: per-operation outcomes and an applied/failed/skipped summary
//   - Report: one ServiceReport per selected service
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: network failures and timeouts, retried with backoff
//   - Throttled: rate limiting, retried honoring the announced delay
//   - Conflict: remote state conflicts, recorded without retry
//   - Permanent: validation rejections and missing entities, recorded without retry
//   - Configuration: missing credentials or malformed data, fatal for one service
//   - Encryption: missing or invalid key, fatal for one service
//
// # Isolation
//
// The Orchestrator runs services concurrently. A failed operation never
// stops the rest of its plan, and a failed service never stops another.
package engine
