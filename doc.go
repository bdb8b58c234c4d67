// Package connectors is the Nocturne device connector host.
//
// The host polls vendor clouds for CGM readings and insulin pump history,
// normalizes them into the store's entries and treatments and pushes them to
// a Nocturne-compatible store on a schedule.
//
// # Architecture
//
// A sync cycle flows through these packages:
//
//   - internal/orchestrator: per-connector state machine. Computes the fetch
//     window from the stored checkpoint, drives the stages below and advances
//     the checkpoint only after the store accepted the batch.
//   - pkg/clients: shared HTTP transport with per-host circuit breakers and
//     rate limiting, region tables and the single-flight TokenProvider.
//   - pkg/connector/sources/*: vendor protocols (dexcom, librelinkup, mylife).
//   - pkg/timestamps: epoch templates, .NET ticks and locale-ambiguous
//     calendar strings, all normalized to UTC.
//   - pkg/mapping: the rule chain that turns raw pump events into treatments,
//     with carb/bolus and temp basal consolidation and deterministic IDs.
//   - pkg/metrics: Prometheus collectors and the per-connector Tracker.
//   - pkg/submit: idempotent bulk upload to /api/v1/entries and
//     /api/v1/treatments.
//   - pkg/state: checkpoint persistence in memory, SQLite or PostgreSQL.
//
// # Running
//
//	nocturne-connect run --config connectors.yaml
//	nocturne-connect sync libre --days 3
//	nocturne-connect list
//
// The HTTP surface exposes /health, /health/data, POST /sync, /connectors and
// /metrics.
package connectors
