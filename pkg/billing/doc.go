// Package billing implements the subscription lifecycle core: a plan catalog,
// a per-tenant subscription record with a closed state machine, an adapter
// contract to the external payment processor, the interactive lifecycle
// controller, and the webhook-driven reconciler.
//
// Two independent write paths converge on the same subscription record. The
// Controller performs interactive operations (create, change plan, pause,
// resume, cancel) ordered as validate, call gateway, commit locally. The
// Reconciler applies asynchronous processor events idempotently. Both paths
// are serialized per tenant through an optimistic version field: every
// committed mutation increments the version, and a writer holding a stale
// version loses and must retry from a fresh read.
//
// The external processor is the source of truth for money movement; the local
// record is the source of truth for tenant-facing status and entitlements.
// The only condition allowed to leave the two diverged is a gateway success
// followed by a local commit failure, which flags the record for the periodic
// repair pass instead of being swallowed.
package billing
